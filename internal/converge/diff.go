// File: internal/converge/diff.go
// Brief: Template diff between remote stack and local body.

package converge

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/example/depctl/internal/stack"
)

// TemplateDiff returns a unified diff between the deployed template and the
// local template body. Empty string means no difference. A stack that does
// not exist yet diffs against an empty document.
func (d *Driver) TemplateDiff(ctx context.Context, def *stack.Definition) (string, error) {
	local, err := os.ReadFile(def.TemplatePath)
	if err != nil {
		return "", fmt.Errorf("read template for stack %s: %w", def.Name, err)
	}

	remote := ""
	out, err := d.api.GetTemplate(ctx, &cloudformation.GetTemplateInput{StackName: aws.String(def.Name)})
	if err != nil {
		if !stackMissing(err) {
			return "", fmt.Errorf("get template for stack %s: %w", def.Name, err)
		}
	} else {
		remote = aws.ToString(out.TemplateBody)
	}

	if normalizeTemplate(remote) == normalizeTemplate(string(local)) {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(remote),
		B:        difflib.SplitLines(string(local)),
		FromFile: def.Name + " (deployed)",
		ToFile:   def.TemplatePath,
		Context:  3,
	})
}

func normalizeTemplate(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
