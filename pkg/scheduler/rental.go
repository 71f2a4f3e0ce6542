package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/model"
)

// Hourly rental rates per hardware class, in coins.
var DefaultRentalRates = map[model.HardwareClass]float64{
	model.HardwareClassEmbeddedARM:  0.005,
	model.HardwareClassAppleSilicon: 0.002,
	model.HardwareClassStandardGPU:  0.015,
}

const maxRentalHours = 24 * 30

// RentalDesk issues prepaid hardware leases straight into the ledger.
type RentalDesk struct {
	vault *ledger.Ledger
	rates map[model.HardwareClass]float64
}

type RentalDeskParams struct {
	Ledger *ledger.Ledger
	Rates  map[model.HardwareClass]float64
}

func NewRentalDesk(params RentalDeskParams) *RentalDesk {
	rates := params.Rates
	if rates == nil {
		rates = DefaultRentalRates
	}
	return &RentalDesk{vault: params.Ledger, rates: rates}
}

// Rent issues a contract for hours of a hardware class and records it.
func (d *RentalDesk) Rent(ctx context.Context, renter string, hw model.HardwareClass, hours float64) (model.RentalRecord, error) {
	if renter == "" {
		return model.RentalRecord{}, fmt.Errorf("renter is required")
	}
	if hours <= 0 || hours > maxRentalHours {
		return model.RentalRecord{}, fmt.Errorf("hours must be in (0, %d]", maxRentalHours)
	}
	rate, ok := d.rates[hw]
	if !ok {
		return model.RentalRecord{}, fmt.Errorf("no rental rate for hardware class %s", hw)
	}

	rec := model.RentalRecord{
		ContractID: "CTR-" + strings.ToUpper(uuid.NewString()[:8]),
		Renter:     renter,
		Hardware:   hw,
		Hours:      hours,
		Rate:       rate,
		Total:      rate * hours,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.vault.RecordRental(ctx, rec); err != nil {
		return model.RentalRecord{}, err
	}

	log.Ctx(ctx).Info().
		Str("ContractID", rec.ContractID).
		Str("Hardware", hw.String()).
		Float64("Total", rec.Total).
		Msg("rental contract issued")
	return rec, nil
}
