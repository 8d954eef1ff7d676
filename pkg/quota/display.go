package quota

import (
	"math"
	"strconv"

	"github.com/pario-ai/profilequota/pkg/models"
)

// Slack absorbs float error such as 2.3*10 == 22.999999999999996.
const roundingSlack = 1e-9

// display rounds against the user: what they have is floored, what they
// need is ceiled.
func display(v models.ProfileView) models.ProfileDisplay {
	return models.ProfileDisplay{
		Balance:      formatAmount(v.BalanceTokens, FloorTenth),
		BalanceHours: formatAmount(v.BalanceHours, FloorTenth),
		MinToStart:   formatTenth(CeilTenth(v.MinBalanceToSpawn)),
		MaxBalance:   formatAmount(v.MaxBalance, CeilTenth),
	}
}

// FloorTenth rounds x down to one decimal.
func FloorTenth(x float64) float64 {
	return math.Floor(x*10+roundingSlack) / 10
}

// CeilTenth rounds x up to one decimal.
func CeilTenth(x float64) float64 {
	return math.Ceil(x*10-roundingSlack) / 10
}

func formatAmount(a models.Amount, round func(float64) float64) string {
	if a.IsUnlimited() {
		return models.UnlimitedLabel
	}
	return formatTenth(round(float64(a)))
}

func formatTenth(x float64) string {
	if x == 0 {
		x = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(x, 'f', 1, 64)
}
