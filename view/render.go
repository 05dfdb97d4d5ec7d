package view

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/soyart/spgains/entity"
)

// Render writes state as a Collateral / Claimable Amount table.
func Render(w io.Writer, state entity.State) error {
	if state.ValidationText != "" {
		if _, err := fmt.Fprintln(w, state.ValidationText); err != nil {
			return err
		}
	}

	if state.Error != "" {
		if _, err := fmt.Fprintf(w, "error: %s\n", state.Error); err != nil {
			return err
		}
	}

	if state.Loading {
		if _, err := fmt.Fprintln(w, "loading..."); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Collateral\tClaimable Amount")
	for _, row := range state.Rows {
		fmt.Fprintf(tw, "%s\t%s\n", row.Symbol, FormatAmount(row.Amount))
	}

	return tw.Flush()
}

func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
