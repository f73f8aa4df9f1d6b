package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numeric converts a decimal to a NUMERIC parameter without going through
// float64.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// fromNumeric converts a scanned NUMERIC back to a decimal. NULL maps to zero.
func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("postgres: non-finite numeric")
	}
	if n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

// decimals scans several NUMERIC columns at once.
type decimals []pgtype.Numeric

func newDecimals(n int) decimals { return make(decimals, n) }

// targets returns scan destinations for every column.
func (ds decimals) targets() []any {
	out := make([]any, len(ds))
	for i := range ds {
		out[i] = &ds[i]
	}
	return out
}

// into assigns the scanned values to dst in order.
func (ds decimals) into(dst ...*decimal.Decimal) error {
	for i, p := range dst {
		v, err := fromNumeric(ds[i])
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
