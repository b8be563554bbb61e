package repo

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/types"
	"gopkg.in/yaml.v3"
)

const blockDelimiter = "\n---\n"

// planBlock is the YAML shape of one plan-file section. Unmapped keys are
// dropped by yaml.v3 during Unmarshal, giving the parser its
// forward-compatibility for free.
type planBlock struct {
	PRID       string            `yaml:"pr_id"`
	Title      string            `yaml:"title"`
	ColdState  string            `yaml:"cold_state"`
	Priority   string            `yaml:"priority"`
	Complexity *complexityBlock  `yaml:"complexity"`
	Deps       []string          `yaml:"dependencies"`
	Estimated  []fileBlock       `yaml:"estimated_files"`
	Actual     []fileBlock       `yaml:"actual_files"`
}

type complexityBlock struct {
	Score            int    `yaml:"score"`
	EstimatedMinutes int    `yaml:"estimated_minutes"`
	SuggestedModel   string `yaml:"suggested_model"`
	SuggestedTier    string `yaml:"suggested_tier"`
	Rationale        string `yaml:"rationale"`
}

type fileBlock struct {
	Path        string `yaml:"path"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// ParsePlan splits raw on the block delimiter, parses every section whose
// trimmed text begins with "pr_id:", and skips (logging) anything that
// fails to parse. It never returns an error for a malformed individual
// block — only for conditions that make the whole plan unusable (currently
// none; reserved for future fatal-parse cases).
func ParsePlan(raw []byte) (*types.Plan, error) {
	text := normalizeLineEndings(string(raw))
	blocks := strings.Split(text, blockDelimiter)

	plan := &types.Plan{
		SchemaVersion: "1",
		GeneratedAt:   time.Time{},
	}

	for _, raw := range blocks {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || !strings.HasPrefix(trimmed, "pr_id:") {
			continue
		}
		var b planBlock
		if err := yaml.Unmarshal([]byte(trimmed), &b); err != nil {
			log.Logger.Warn().Err(err).Msg("skipping malformed plan block")
			continue
		}
		if b.PRID == "" {
			log.Logger.Warn().Msg("skipping plan block with empty pr_id")
			continue
		}
		item := toWorkItem(b)
		plan.Items = append(plan.Items, item)
		plan.AggregateComplexity += item.Complexity.Score
	}
	return plan, nil
}

func toWorkItem(b planBlock) *types.WorkItem {
	item := &types.WorkItem{
		ID:           b.PRID,
		Title:        b.Title,
		ColdState:    types.ColdState(b.ColdState),
		Priority:     types.Priority(b.Priority),
		Dependencies: b.Deps,
	}
	if item.ColdState == "" {
		item.ColdState = types.ColdStateNew
	}
	if item.Priority == "" {
		item.Priority = types.PriorityMedium
	}
	item.Complexity = toComplexity(b.Complexity)
	item.EstimatedFiles = toFileChanges(b.Estimated)
	item.ActualFiles = toFileChanges(b.Actual)
	return item
}

func toComplexity(c *complexityBlock) types.Complexity {
	if c == nil {
		return types.DefaultComplexity()
	}
	out := types.DefaultComplexity()
	if c.Score > 0 {
		out.Score = c.Score
	}
	if c.EstimatedMinutes > 0 {
		out.EstimatedMinutes = c.EstimatedMinutes
	}
	out.Rationale = c.Rationale
	if tier := tierFromBlock(c); tier != "" {
		out.SuggestedTier = tier
	}
	return out
}

// tierFromBlock accepts either an explicit suggested_tier or a
// suggested_model name, mapping recognized model names to a tier so older
// plan files authored before tiers existed still parse.
func tierFromBlock(c *complexityBlock) types.Tier {
	if c.SuggestedTier != "" {
		return types.Tier(c.SuggestedTier)
	}
	switch strings.ToLower(c.SuggestedModel) {
	case "low", "haiku", "small":
		return types.TierLow
	case "mid", "sonnet", "medium":
		return types.TierMid
	case "high", "opus", "large":
		return types.TierHigh
	default:
		return ""
	}
}

func toFileChanges(blocks []fileBlock) []types.FileChange {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]types.FileChange, 0, len(blocks))
	for _, b := range blocks {
		action := types.FileAction(b.Action)
		if action == "" {
			action = types.FileActionModify
		}
		out = append(out, types.FileChange{Path: b.Path, Action: action, Description: b.Description})
	}
	return out
}

// SerializePlan renders a Plan back into the block format for write-back
// (operator visibility after a cold-state transition).
func SerializePlan(plan *types.Plan) ([]byte, error) {
	var sb strings.Builder
	for i, item := range plan.Items {
		if i > 0 {
			sb.WriteString(blockDelimiter)
		}
		b := fromWorkItem(item)
		out, err := yaml.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal plan block %s: %w", item.ID, err)
		}
		sb.Write(out)
	}
	return []byte(sb.String()), nil
}

func fromWorkItem(item *types.WorkItem) planBlock {
	b := planBlock{
		PRID:      item.ID,
		Title:     item.Title,
		ColdState: string(item.ColdState),
		Priority:  string(item.Priority),
		Deps:      item.Dependencies,
		Complexity: &complexityBlock{
			Score:            item.Complexity.Score,
			EstimatedMinutes: item.Complexity.EstimatedMinutes,
			SuggestedTier:    string(item.Complexity.SuggestedTier),
			Rationale:        item.Complexity.Rationale,
		},
	}
	for _, f := range item.EstimatedFiles {
		b.Estimated = append(b.Estimated, fileBlock{Path: f.Path, Action: string(f.Action), Description: f.Description})
	}
	for _, f := range item.ActualFiles {
		b.Actual = append(b.Actual, fileBlock{Path: f.Path, Action: string(f.Action), Description: f.Description})
	}
	return b
}
