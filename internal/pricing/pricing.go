// Package pricing maps (resource kind, model id) to a per-unit cost in cents.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/models"
)

// Scale is the number of fractional cent digits kept for costs and balances.
// Costs are rounded half-up (away from zero) to this scale.
const Scale int32 = 6

// ErrUnknownModel is returned when a model id is not registered for the requested kind.
var ErrUnknownModel = errors.New("unknown model")

// Model ids and rates in effect (cents per unit).
const (
	SonarSmallOnline  = "sonar_small_online"
	SonarMediumOnline = "sonar_medium_online"
	SonarLargeOnline  = "sonar_large_online"
	SonarHugeOnline   = "sonar_huge_online"

	FluxSchnell            = "flux_schnell"
	FluxSchnellDisplayName = "black-forest-labs/FLUX.1-schnell"
)

// DefaultTextRates are the per-token text rates keyed by model tier.
var DefaultTextRates = map[string]string{
	SonarSmallOnline:  "0.0002",
	SonarMediumOnline: "0.0004",
	SonarLargeOnline:  "0.0006",
	SonarHugeOnline:   "0.001",
}

// DefaultImageRate is the per-image rate for FluxSchnell.
const DefaultImageRate = "0.001"

// Entry is one row of the pricing table.
type Entry struct {
	Kind        models.ResourceKind `json:"kind"`
	ModelID     string              `json:"model_id"`
	DisplayName string              `json:"display_name,omitempty"`
	UnitCost    decimal.Decimal     `json:"unit_cost"`
}

type key struct {
	kind    models.ResourceKind
	modelID string
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	entries map[key]Entry
	image   Entry
}

// New builds a table from decimal strings. The image operation is
// registered under imageModel and becomes the fixed image entry.
func New(textRates map[string]string, imageModel, imageRate string) (*Table, error) {
	t := &Table{entries: make(map[key]Entry, len(textRates)+1)}
	for id, rate := range textRates {
		if _, err := t.add(models.ResourceText, id, "", rate); err != nil {
			return nil, err
		}
	}
	display := ""
	if Normalize(imageModel) == FluxSchnell {
		display = FluxSchnellDisplayName
	}
	img, err := t.add(models.ResourceImage, imageModel, display, imageRate)
	if err != nil {
		return nil, err
	}
	t.image = img
	return t, nil
}

// Default returns the table with the shipped rates.
func Default() *Table {
	t, err := New(DefaultTextRates, FluxSchnell, DefaultImageRate)
	if err != nil {
		panic(fmt.Sprintf("pricing: default table: %v", err))
	}
	return t
}

func (t *Table) add(kind models.ResourceKind, modelID, display, rate string) (Entry, error) {
	id := Normalize(modelID)
	if id == "" {
		return Entry{}, fmt.Errorf("pricing: empty model id for %s", kind)
	}
	cost, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return Entry{}, fmt.Errorf("pricing: rate for %s/%s: %w", kind, id, err)
	}
	if cost.IsNegative() {
		return Entry{}, fmt.Errorf("pricing: rate for %s/%s is negative", kind, id)
	}
	if !cost.Equal(cost.Round(Scale)) {
		return Entry{}, fmt.Errorf("pricing: rate for %s/%s has more than %d decimal places", kind, id, Scale)
	}
	e := Entry{Kind: kind, ModelID: id, DisplayName: display, UnitCost: cost}
	t.entries[key{kind, id}] = e
	return e, nil
}

// Lookup returns the entry registered for (kind, modelID).
func (t *Table) Lookup(kind models.ResourceKind, modelID string) (Entry, error) {
	e, ok := t.entries[key{kind, Normalize(modelID)}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q is not a %s model", ErrUnknownModel, modelID, kind.Pool())
	}
	return e, nil
}

// ImageEntry returns the fixed image-generation operation.
func (t *Table) ImageEntry() Entry {
	return t.image
}

// Entries lists every entry ordered by kind then model id.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind // TEXT before IMAGE
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// Cost is units * unitCost, rounded to Scale.
func Cost(unitCost decimal.Decimal, units int64) decimal.Decimal {
	return unitCost.Mul(decimal.NewFromInt(units)).Round(Scale)
}

// Normalize folds a model id to its registered form.
func Normalize(modelID string) string {
	return strings.ToLower(strings.TrimSpace(modelID))
}

// WithOverrides starts from the shipped rates and replaces or adds the given
// text rates. Empty imageModel or imageRate keep the shipped image entry.
func WithOverrides(textRates map[string]string, imageModel, imageRate string) (*Table, error) {
	merged := make(map[string]string, len(DefaultTextRates)+len(textRates))
	for id, rate := range DefaultTextRates {
		merged[id] = rate
	}
	for id, rate := range textRates {
		merged[Normalize(id)] = rate
	}
	if imageModel == "" {
		imageModel = FluxSchnell
	}
	if imageRate == "" {
		imageRate = DefaultImageRate
	}
	return New(merged, imageModel, imageRate)
}
