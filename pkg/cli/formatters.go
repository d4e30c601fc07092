// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/siderolabs/gen/maps"
)

// RenderMeasurements writes the per-vCPU expected measurement table.
//
// Rows are sorted by vCPU label so the output is stable across runs; failed
// vCPU entries follow the successful ones with the failure reason in place of
// the digest.
func RenderMeasurements(output io.Writer, measurements, failures map[string]string) error {
	w := tabwriter.NewWriter(output, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "VCPU\tSTATUS\tMEASUREMENT")

	labels := maps.Keys(measurements)
	sort.Strings(labels)

	for _, label := range labels {
		fmt.Fprintf(w, "%s\tOK\t%s\n", label, measurements[label])
	}

	labels = maps.Keys(failures)
	sort.Strings(labels)

	for _, label := range labels {
		fmt.Fprintf(w, "%s\tFAIL\t%s\n", label, failures[label])
	}

	return w.Flush()
}

// RenderSummary writes aligned key/value rows.
func RenderSummary(output io.Writer, rows [][2]string) error {
	w := tabwriter.NewWriter(output, 0, 0, 3, ' ', 0)

	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}

	return w.Flush()
}
