package ruletype

import (
	"github.com/dyluth/moult/internal/config"
)

// FromConfig builds a registry from the rule_types section of moult.yml.
func FromConfig(specs []config.RuleTypeSpec) (*Registry, error) {
	reg := New()
	for _, spec := range specs {
		err := reg.Register(RuleType{
			ID:         spec.ID,
			Name:       spec.Name,
			Exportable: spec.IsExportable(),
			ExportExpr: spec.ExportExpr,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
