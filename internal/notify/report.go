package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"text/template"

	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const reportText = `Run {{.Summary.RunID}} ({{.Summary.Agent}})
Summary: {{.Summary.ID}}

Conversations: {{.Summary.Total}} total, {{.Summary.Completed}} completed, {{.Summary.Failed}} failed, in {{.Summary.Batches}} batch(es)
Success rate: {{pct .Summary.Success.Rate}} ({{.Summary.Success.Successes}}/{{.Summary.Success.Total}})

Mean scores
  safe        {{printf "%.2f" .Summary.Means.Safe}}
  correct     {{printf "%.2f" .Summary.Means.Correct}}
  optimal     {{printf "%.2f" .Summary.Means.Optimal}}
  empathetic  {{printf "%.2f" .Summary.Means.Empathetic}}
  weighted    {{printf "%.3f" .Summary.Means.WeightedScore}}
  compliance  {{printf "%.3f" .Summary.Means.Compliance}}

Deviations: {{.Summary.Severity.Minor}} minor, {{.Summary.Severity.Major}} major, {{.Summary.Severity.Critical}} critical
{{range .Reasons}}
  {{.Name}}: {{.Count}}{{end}}
{{if .Latency.Calls}}
LLM latency: {{.Latency.Calls}} calls, p50 {{printf "%.0f" .Latency.P50Ms}} ms, p95 {{printf "%.0f" .Latency.P95Ms}} ms
{{end}}{{if .Summary.Failures}}
Failures:{{range .Summary.Failures}}
  {{.ScenarioID}}: {{.Error}}{{end}}
{{end}}`

const reportHTML = `<h2>Run {{.Summary.RunID}} ({{.Summary.Agent}})</h2>
<p>{{.Summary.Total}} conversations: {{.Summary.Completed}} completed, {{.Summary.Failed}} failed.
Success rate <b>{{pct .Summary.Success.Rate}}</b>.</p>
<table>
<tr><th>Axis</th><th>Mean</th></tr>
<tr><td>safe</td><td>{{printf "%.2f" .Summary.Means.Safe}}</td></tr>
<tr><td>correct</td><td>{{printf "%.2f" .Summary.Means.Correct}}</td></tr>
<tr><td>optimal</td><td>{{printf "%.2f" .Summary.Means.Optimal}}</td></tr>
<tr><td>empathetic</td><td>{{printf "%.2f" .Summary.Means.Empathetic}}</td></tr>
<tr><td>weighted</td><td>{{printf "%.3f" .Summary.Means.WeightedScore}}</td></tr>
</table>
{{if .Summary.Failures}}<h3>Failures</h3><ul>{{range .Summary.Failures}}<li>{{.ScenarioID}}: {{.Error}}</li>{{end}}</ul>{{end}}`

type reasonCount struct {
	Name  string
	Count int
}

type reportData struct {
	Summary *titration.BatchSummary
	Reasons []reasonCount
	Latency metrics.LLMLatencySnapshot
}

func pct(rate float64) string { return fmt.Sprintf("%.1f%%", rate*100) }

// RenderReport builds the report e-mail for a finished run.
func RenderReport(sum *titration.BatchSummary, latency metrics.LLMLatencySnapshot) (EmailMessage, error) {
	data := reportData{Summary: sum, Latency: latency}
	for reason, n := range sum.TerminationReasons {
		data.Reasons = append(data.Reasons, reasonCount{Name: string(reason), Count: n})
	}
	sort.Slice(data.Reasons, func(i, j int) bool { return data.Reasons[i].Name < data.Reasons[j].Name })

	funcs := map[string]any{"pct": pct}
	text, err := template.New("report").Funcs(funcs).Option("missingkey=error").Parse(reportText)
	if err != nil {
		return EmailMessage{}, fmt.Errorf("notify: parse report: %w", err)
	}
	var body bytes.Buffer
	if err := text.Execute(&body, data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render report: %w", err)
	}

	html, err := htmltemplate.New("report").Funcs(funcs).Parse(reportHTML)
	if err != nil {
		return EmailMessage{}, fmt.Errorf("notify: parse html report: %w", err)
	}
	var htmlBody bytes.Buffer
	if err := html.Execute(&htmlBody, data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render html report: %w", err)
	}

	return EmailMessage{
		Subject: fmt.Sprintf("Titration run %s: %s success, %d/%d completed", sum.RunID, pct(sum.Success.Rate), sum.Completed, sum.Total),
		Body:    body.String(),
		HTML:    htmlBody.String(),
		Tags:    map[string]string{"run_id": sum.RunID, "agent": sum.Agent},
	}, nil
}

// Reporter mails the run report to a fixed recipient list.
type Reporter struct {
	sender EmailSender
	to     []string
	logger *logging.Logger
}

func NewReporter(sender EmailSender, to []string, logger *logging.Logger) *Reporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reporter{sender: sender, to: to, logger: logger}
}

// SendSummary is a no-op without a sender or recipients.
func (r *Reporter) SendSummary(ctx context.Context, sum *titration.BatchSummary, latency metrics.LLMLatencySnapshot) error {
	if r == nil || r.sender == nil || len(r.to) == 0 {
		return nil
	}
	msg, err := RenderReport(sum, latency)
	if err != nil {
		return err
	}
	msg.To = r.to
	if err := r.sender.Send(ctx, msg); err != nil {
		return err
	}
	r.logger.Info("run report sent", "run_id", sum.RunID, "recipients", len(r.to))
	return nil
}
