package parsers

import (
	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
)

// reconcileTotal checks the printed total against quantity × price ± fees.
// Buys add fees and sells subtract them. When no fee is printed, a
// difference of up to MaxImpliedFee is taken as the fee. It reports false
// only on a mismatch; a mismatch lowers confidence but never fails.
func reconcileTotal(c *models.Candidate, printed *decimal.Decimal, feesPrinted bool, config *ParserConfig) bool {
	gross := c.Gross()

	expected := gross.Add(c.Fees)
	if c.TransactionType == models.TransactionTypeSell {
		expected = gross.Sub(c.Fees)
	}

	if printed == nil {
		c.TotalAmount = expected.Round(2)
		c.AddNote("no total printed; computed %s", c.TotalAmount.StringFixed(2))
		return true
	}

	total := printed.Abs()
	c.TotalAmount = total

	if expected.Round(2).Equal(total.Round(2)) {
		c.Contribute(models.SourceTotal, 1)
		return true
	}

	if feesPrinted && gross.Round(2).Equal(total.Round(2)) {
		// printed total excludes the printed commission
		c.TotalAmount = expected.Round(2)
		c.Contribute(models.SourceTotal, 1)
		c.AddNote("printed total %s excludes fees %s", total.StringFixed(2), c.Fees.StringFixed(2))
		return true
	}

	if !feesPrinted {
		implied := total.Sub(gross)
		if c.TransactionType == models.TransactionTypeSell {
			implied = gross.Sub(total)
		}
		implied = implied.Round(2)

		if !implied.IsNegative() && implied.LessThanOrEqual(config.MaxImpliedFee) {
			c.Fees = implied
			c.Contribute(models.SourceTotal, config.ImpliedFeeConfidence)
			c.AddNote("fee %s implied by printed total %s", implied.StringFixed(2), total.StringFixed(2))
			return true
		}
	}

	c.Contribute(models.SourceTotal, config.TotalMismatchConfidence)
	c.AddNote("printed total %s does not match quantity × price ± fees = %s",
		total.StringFixed(2), expected.StringFixed(2))
	return false
}
