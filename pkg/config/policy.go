package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ihoward40/SintraPrime-sub001/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// SupportedPolicyVersions is the schema_version range this build reads.
const SupportedPolicyVersions = "^1"

const policySchemaURL = "https://govkernel.schemas.local/policy.schema.json"

//go:embed policy.schema.json
var policySchemaJSON string

// AlertSpec declares the alert config of one actor.
type AlertSpec struct {
	ActorID         string                    `yaml:"actor_id"`
	Channel         string                    `yaml:"channel"`
	CooldownMinutes int                       `yaml:"cooldown_minutes"`
	Thresholds      contracts.AlertThresholds `yaml:"thresholds"`
}

// PolicyFile is a parsed and validated policy document.
type PolicyFile struct {
	SchemaVersion *semver.Version
	Default       budget.Policy
	Actors        map[string]budget.Policy
	Alerts        []AlertSpec
}

type rawPolicyFile struct {
	SchemaVersion string               `yaml:"schema_version"`
	Default       yaml.Node            `yaml:"default"`
	Actors        map[string]yaml.Node `yaml:"actors"`
	Alerts        []AlertSpec          `yaml:"alerts"`
}

func compilePolicySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchemaJSON)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	return c.Compile(policySchemaURL)
}

// LoadPolicyFile reads a policy document from path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy file: %w", err)
	}
	pf, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return pf, nil
}

// ParsePolicy validates a YAML policy document against the embedded schema
// and resolves it. The default policy starts from budget.DefaultPolicy and
// each actor entry starts from the resolved default, so a document only
// needs to name the fields it changes.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var raw rawPolicyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	version, err := semver.NewVersion(raw.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("schema_version %q: %w", raw.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("schema_version %s is not supported (want %s)", version, SupportedPolicyVersions)
	}

	pf := &PolicyFile{
		SchemaVersion: version,
		Default:       budget.DefaultPolicy(),
		Actors:        make(map[string]budget.Policy, len(raw.Actors)),
		Alerts:        raw.Alerts,
	}
	if raw.Default.Kind != 0 {
		if err := raw.Default.Decode(&pf.Default); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
	}
	for actor, node := range raw.Actors {
		p := pf.Default
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("actors.%s: %w", actor, err)
		}
		pf.Actors[actor] = p
	}

	if err := pf.validate(); err != nil {
		return nil, err
	}
	return pf, nil
}

// validateDocument checks the raw document shape. YAML is converted to its
// JSON form first so the schema sees the same types a JSON document would.
func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("empty policy document")
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy document is not JSON compatible: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return err
	}

	schema, err := compilePolicySchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (pf *PolicyFile) validate() error {
	cond, err := budget.NewConditionEvaluator()
	if err != nil {
		return err
	}
	check := func(name string, p budget.Policy) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if p.ApprovalCondition != "" {
			if err := cond.Compile(p.ApprovalCondition); err != nil {
				return fmt.Errorf("%s: approval_condition: %w", name, err)
			}
		}
		return nil
	}
	if err := check("default", pf.Default); err != nil {
		return err
	}
	for actor, p := range pf.Actors {
		if err := check("actors."+actor, p); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(pf.Alerts))
	for _, a := range pf.Alerts {
		if seen[a.ActorID] {
			return fmt.Errorf("alerts: duplicate actor_id %q", a.ActorID)
		}
		seen[a.ActorID] = true
	}
	return nil
}

// Policies returns a policy source for the budget gate.
func (pf *PolicyFile) Policies() *budget.StaticPolicies {
	src := budget.NewStaticPolicies(pf.Default)
	for actor, p := range pf.Actors {
		src.Set(actor, p)
	}
	return src
}

// AlertConfigs converts the alert specs into fresh configs that have never
// fired.
func (pf *PolicyFile) AlertConfigs() []*contracts.AlertConfig {
	out := make([]*contracts.AlertConfig, 0, len(pf.Alerts))
	for _, a := range pf.Alerts {
		out = append(out, &contracts.AlertConfig{
			ActorID:         a.ActorID,
			Channel:         a.Channel,
			Thresholds:      a.Thresholds,
			CooldownMinutes: a.CooldownMinutes,
		})
	}
	return out
}
