package mask

const (
	// StrategyCaviar is the default masking strategy.
	StrategyCaviar = "caviar"
	// StrategyCaviarShape preserves value length and non-alphanumeric shape.
	StrategyCaviarShape = "caviar-preserve-shape"

	// DefaultCaviarLength is the asterisk count for the "caviar" strategy
	// when masking.caviar.length is unset.
	DefaultCaviarLength = 6

	// wildcard is the sole-element value of exclude.columns meaning
	// "exclude everything except forced columns".
	wildcard = "*"
)

// Config is the masking policy in effect for a connection, as loaded from
// the `masking.*` section of the TOML configuration file and carried in the
// connection's shared context.
type Config struct {
	Strategy       string
	ExcludeColumns []string
	ForceColumns   []string
	CaviarLength   int
}

// strategy resolves the configured strategy name to a Strategy instance.
func (c Config) strategy() Strategy {
	if c.Strategy == StrategyCaviarShape {
		return CaviarShapeMask{}
	}
	length := c.CaviarLength
	if length == 0 {
		length = DefaultCaviarLength
	}
	return CaviarMask{Length: length}
}

func (c Config) isWildcardExclude() bool {
	return len(c.ExcludeColumns) == 1 && c.ExcludeColumns[0] == wildcard
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
