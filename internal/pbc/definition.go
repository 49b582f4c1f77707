package pbc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wonny/usef/backend/internal/contracts"
)

// Definition declares the contract of one step
type Definition struct {
	Name            string   `yaml:"name" json:"name" validate:"required,uppercase"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredInputs  []string `yaml:"required_inputs" json:"required_inputs" validate:"dive,required"`
	RequiredOutputs []string `yaml:"required_outputs" json:"required_outputs" validate:"dive,required"`
}

// stepsFile is the YAML document listing step definitions
type stepsFile struct {
	Steps []Definition `yaml:"steps" validate:"required,min=1,dive"`
}

// DefaultDefinitions are the contracts of the steps the coordinators invoke
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:            StepReOptimizePortfolio,
			Description:     "re-plan device flexibility after new flex orders",
			RequiredInputs:  []string{KeyPeriod, KeyPtuDuration, KeyCurrentPortfolio, KeyFlexOrders},
			RequiredOutputs: []string{KeyUpdatedPortfolio},
		},
		{
			Name:            StepPlaceFlexOrders,
			Description:     "select the accepted flex offers to order",
			RequiredInputs:  []string{KeyPeriod, KeyConnectionGroup, KeyFlexOffers},
			RequiredOutputs: []string{KeyAcceptedFlexOfferSequences},
		},
		{
			Name:            StepInitiateSettlement,
			Description:     "settle the flex orders of a period against meter data",
			RequiredInputs:  []string{KeyPeriodStart, KeyPeriodEnd, KeyPtuDuration, KeyFlexOrders, KeyPrognoses, KeyMeterData},
			RequiredOutputs: []string{KeySettlementDto},
		},
		{
			Name:            StepRequestPenaltyData,
			Description:     "apply penalties to settled flex orders",
			RequiredInputs:  []string{KeySettlementDto},
			RequiredOutputs: []string{KeySettlementDto},
		},
	}
}

// LoadDefinitions reads step definitions from a YAML file. Unknown fields
// are rejected so a typo cannot silently drop a required key.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pbc steps: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates step definitions
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file stepsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, contracts.NewConfigurationError("pbc", "decode steps: %v", err)
	}

	if err := validator.New().Struct(file); err != nil {
		return nil, contracts.NewConfigurationError("pbc", "invalid steps: %v", err)
	}

	seen := map[string]bool{}
	for _, d := range file.Steps {
		if seen[d.Name] {
			return nil, contracts.NewConfigurationError("pbc", "step %s defined twice", d.Name)
		}
		seen[d.Name] = true
	}
	return file.Steps, nil
}

// Hash fingerprints definitions for the startup log (canonical JSON)
func Hash(defs []Definition) (string, error) {
	data, err := json.Marshal(defs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
