package mask

import (
	"github.com/pgshroud/pgshroud/internal/wire"
	"github.com/pgshroud/pgshroud/internal/wire/backend"
)

type handlerState int

const (
	stateDescription handlerState = iota
	stateData
)

// Handler is the stateful masking transformer on backend messages: it
// tracks the RowDescription/DataRow/CommandComplete cycle and applies the
// configured strategy to every DataRow field not excluded (or forced).
//
// Scoped to one connection; mutated only by the owning pipe.
type Handler struct {
	cfg        Config
	state      handlerState
	noMask     map[int]struct{}
	lastMasked int
}

// NewHandler returns a Handler starting in the Description state.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg, state: stateDescription}
}

// SetConfig replaces the masking configuration. A Data(no_mask) column
// selection already computed is kept until the next RowDescription; the
// new strategy applies from the next DataRow on.
func (h *Handler) SetConfig(cfg Config) {
	h.cfg = cfg
}

// Process applies the masking policy to msg, returning the (possibly
// rewritten) message to forward downstream.
func (h *Handler) Process(msg backend.Message) (backend.Message, error) {
	switch m := msg.(type) {
	case *backend.RowDescription:
		h.noMask = computeNoMask(m.Columns, h.cfg)
		h.state = stateData
		return msg, nil
	case *backend.DataRow:
		if h.state != stateData {
			return nil, wire.NewError(wire.KindFatal, "DataRow arrived before RowDescription")
		}
		row, n := h.maskRow(m)
		h.lastMasked = n
		return row, nil
	case *backend.CommandComplete:
		h.state = stateDescription
		h.noMask = nil
		return msg, nil
	default:
		return msg, nil
	}
}

func computeNoMask(cols []backend.ColumnDesc, cfg Config) map[int]struct{} {
	exclude := toSet(cfg.ExcludeColumns)
	force := toSet(cfg.ForceColumns)
	wildcardExclude := cfg.isWildcardExclude()

	noMask := make(map[int]struct{})
	for i, col := range cols {
		name := string(col.Name)
		_, forced := force[name]
		if forced {
			continue
		}
		if wildcardExclude {
			noMask[i] = struct{}{}
			continue
		}
		if _, excluded := exclude[name]; excluded {
			noMask[i] = struct{}{}
		}
	}
	return noMask
}

// LastMasked reports how many fields the most recent DataRow had rewritten.
func (h *Handler) LastMasked() int {
	return h.lastMasked
}

// Strategy returns the name of the strategy currently in effect.
func (h *Handler) Strategy() string {
	if h.cfg.Strategy == StrategyCaviarShape {
		return StrategyCaviarShape
	}
	return StrategyCaviar
}

func (h *Handler) maskRow(m *backend.DataRow) (*backend.DataRow, int) {
	strategy := h.cfg.strategy()
	masked := 0
	fields := make([]backend.Field, len(m.Fields))
	for i, f := range m.Fields {
		if f.Null {
			fields[i] = f
			continue
		}
		if _, skip := h.noMask[i]; skip {
			fields[i] = f
			continue
		}
		fields[i] = backend.Field{Value: strategy.Mask(f.Value)}
		masked++
	}
	return &backend.DataRow{Fields: fields}, masked
}
