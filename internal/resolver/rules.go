package resolver

// DefaultRules is the production routing table. One rule per topic family,
// one mapping per device generation. Raw telemetry tables are named after the
// generation they store.
func DefaultRules() []Rule {
	return []Rule{
		{
			Pattern: "data/dac/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DAC20121", Table: "DAC201210000_RAW"},
				{Prefix: "DAC20221", Table: "DAC202210000_RAW"},
				{Prefix: "DAC30121", Table: "DAC301210000_RAW"},
				{Prefix: "DAC40121", Table: "DAC401210000_RAW"},
				{Prefix: "DAC40211", Table: "DAC402110000_RAW"},
				{Prefix: "DAC", Table: "DAC000000000_RAW"},
			},
		},
		{
			Pattern: "data/dut/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DUT30222", Table: "DUT302220000_RAW"},
				{Prefix: "DUT30322", Table: "DUT303220000_RAW"},
				{Prefix: "DUT", Table: "DUT000000000_RAW"},
			},
		},
		{
			Pattern: "data/dma/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DMA", Table: "DMA000000000_RAW"},
			},
		},
		{
			Pattern: "data/dmt/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DMT", Table: "DMT000000000_RAW"},
			},
		},
		{
			Pattern: "data/dal/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DAL", Table: "DAL000000000_RAW"},
			},
		},
		{
			Pattern: "data/dri/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "DRI", Table: "DRI000000000_RAW"},
			},
		},
		// Catch-all for generations without a dedicated feed topic.
		{
			Pattern: "data/#",
			Prop:    "dev_id",
			Mappings: []Mapping{
				{Prefix: "D", Table: "DEV_GENERIC_RAW"},
			},
		},
	}
}
