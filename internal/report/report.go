// Package report files a GitHub issue when the Reflector's hard veto
// commits a ConfirmedVulnerability alongside a global mission-accomplished
// declaration (§4.7, §11.6), giving the operation's finding a durable,
// human-facing record outside the graph store.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/schemas"
)

// Reporter files one GitHub issue per confirmed vulnerability found in an
// operation's causal graph.
type Reporter struct {
	cfg    config.ReportConfig
	logger *zap.Logger
	client *github.Client
}

// New builds a Reporter. If reporting is disabled, Report is a no-op.
func New(cfg config.ReportConfig, logger *zap.Logger) *Reporter {
	r := &Reporter{cfg: cfg, logger: logger.Named("report")}
	if !cfg.Enabled {
		return r
	}
	client := github.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	r.client = client
	return r
}

// Report opens one issue per ConfirmedVulnerability node present in causal
// that isn't deprecated, summarizing the node and its inbound validating
// evidence.
func (r *Reporter) Report(ctx context.Context, opID string, causal schemas.CausalGraphView) error {
	if !r.cfg.Enabled || r.client == nil {
		return nil
	}

	var filed int
	for _, node := range causal.Nodes {
		if node.Variant != schemas.CausalConfirmedVulnerability || node.Deprecated {
			continue
		}

		title := fmt.Sprintf("[cogloop] confirmed vulnerability %s (operation %s)", node.ID, opID)
		body := buildIssueBody(opID, node, causal)

		issueReq := &github.IssueRequest{
			Title:  github.String(title),
			Body:   github.String(body),
			Labels: &r.cfg.LabelNames,
		}

		_, _, err := r.client.Issues.Create(ctx, r.cfg.RepoOwner, r.cfg.RepoName, issueReq)
		if err != nil {
			return corerr.Wrap(corerr.KindTransport, "file github issue for confirmed vulnerability", err)
		}
		filed++
	}

	r.logger.Info("filed vulnerability reports", zap.String("op_id", opID), zap.Int("count", filed))
	return nil
}

func buildIssueBody(opID string, node schemas.CausalNode, causal schemas.CausalGraphView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation `%s` confirmed a vulnerability at node `%s`.\n\n", opID, node.ID)
	fmt.Fprintf(&b, "- Confidence: %.2f\n", node.Confidence)
	fmt.Fprintf(&b, "- Source action: %s\n\n", node.SourceActionID)

	b.WriteString("## Validating edges\n")
	found := false
	for _, e := range causal.Edges {
		if e.Target == node.ID && e.Relation == schemas.RelationValidates {
			fmt.Fprintf(&b, "- `%s` validates this node (confidence %.2f)\n", e.Source, e.Confidence)
			found = true
		}
	}
	if !found {
		b.WriteString("(none recorded)\n")
	}

	if len(node.Fields) > 0 {
		fmt.Fprintf(&b, "\n## Fields\n```json\n%s\n```\n", string(node.Fields))
	}
	return b.String()
}
