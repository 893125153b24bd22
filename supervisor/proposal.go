package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unified-agent-system/agenthub/contract"
	"github.com/unified-agent-system/agenthub/storage"
)

// RejectedFileName is the human-readable refusal artefact.
const RejectedFileName = "PROPOSAL_REJECTED.md"

// Proposal is the frontmatter of a PROPOSAL_FINAL.md file. The markdown body
// carries the free-form task description.
type Proposal struct {
	TaskID             string   `yaml:"task_id"`
	Project            string   `yaml:"project"`
	Complexity         string   `yaml:"complexity"`
	RepoRoot           string   `yaml:"repo_root"`
	BaseBranch         string   `yaml:"base_branch"`
	TargetFile         string   `yaml:"target_file"`
	SourceFiles        []string `yaml:"source_files"`
	AllowedPaths       []string `yaml:"allowed_paths"`
	ForbiddenPaths     []string `yaml:"forbidden_paths"`
	Requirements       []string `yaml:"requirements"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	CostCeilingUSD     float64  `yaml:"cost_ceiling_usd"`
}

// ParseProposal reads a proposal file: YAML frontmatter between "---" fences,
// followed by a markdown body.
func ParseProposal(path string) (*Proposal, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read proposal: %w", err)
	}

	content := string(raw)
	if !strings.HasPrefix(content, "---\n") {
		return nil, "", fmt.Errorf("proposal missing frontmatter fence")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, "", fmt.Errorf("proposal frontmatter not terminated")
	}

	var p Proposal
	if err := yaml.Unmarshal([]byte(rest[:end]), &p); err != nil {
		return nil, "", fmt.Errorf("parse proposal frontmatter: %w", err)
	}

	body := strings.TrimPrefix(rest[end+len("\n---"):], "\n")
	return &p, body, nil
}

// Validate checks the proposal's required fields.
func (p *Proposal) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if p.Project == "" {
		return fmt.Errorf("project is required")
	}
	if p.TargetFile == "" {
		return fmt.Errorf("target_file is required")
	}
	switch contract.Complexity(p.Complexity) {
	case contract.ComplexityTrivial, contract.ComplexityMinor, contract.ComplexityMajor, contract.ComplexityCritical:
	case "":
		return fmt.Errorf("complexity is required")
	default:
		return fmt.Errorf("unknown complexity %q", p.Complexity)
	}
	return nil
}

// ToContract converts a validated proposal into a fresh contract. The
// contract's own validation enforces the path-overlap invariant.
func (p *Proposal) ToContract() (*contract.Contract, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c := contract.New(p.TaskID, p.Project, contract.Complexity(p.Complexity))
	c.Git.RepoRoot = p.RepoRoot
	if p.BaseBranch != "" {
		c.Git.BaseBranch = p.BaseBranch
	} else {
		c.Git.BaseBranch = "main"
	}
	c.Constraints.AllowedPaths = p.AllowedPaths
	c.Constraints.ForbiddenPaths = p.ForbiddenPaths
	c.Specification.TargetFile = p.TargetFile
	c.Specification.Requirements = p.Requirements
	c.Specification.AcceptanceCriteria = p.AcceptanceCriteria
	for _, src := range p.SourceFiles {
		c.Specification.SourceFiles = append(c.Specification.SourceFiles, contract.SourceFile{Path: src})
	}
	if p.CostCeilingUSD > 0 {
		c.Limits.CostCeilingUSD = p.CostCeilingUSD
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteRejection records a human-readable refusal in the handoff directory.
func WriteRejection(handoffDir, proposalPath string, cause error) error {
	content := fmt.Sprintf(`# PROPOSAL REJECTED

**Proposal:** %s

**Time:** %s

**Reason:** %v

Fix the proposal and resubmit it via a new PROPOSAL_READY message.
`, proposalPath, time.Now().UTC().Format(time.RFC3339), cause)

	return storage.WriteAtomic(filepath.Join(handoffDir, RejectedFileName), []byte(content), 0o644)
}
