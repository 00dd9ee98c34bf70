package quality

import (
	"slices"

	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
)

const (
	// Catalogue is the catalogue quality updates are registered in.
	Catalogue = "qa"
	// BootstrapApplication never produces quality updates.
	BootstrapApplication = "GOBPrepare"
	// RequestKey is the routing key of quality update requests.
	RequestKey = "issue.request"
	// Workflow is the workflow a quality update starts.
	Workflow = "import"
	// RetryTime makes an identical update that is still running wait, in seconds.
	RetryTime = 600
)

// FunctionalSteps always produce a quality update, even without issues.
var FunctionalSteps = []string{"import", "relate", "relate_check"}

// ShouldSend reports whether a quality update is due for a message handled
// by step that raised issueCount issues.
func ShouldSend(header messagepkg.Header, step string, issueCount int) bool {
	if issueCount == 0 && !slices.Contains(FunctionalSteps, step) {
		return false
	}
	if header.Application() == BootstrapApplication {
		return false
	}
	if header.Catalogue() == Catalogue {
		return false
	}
	return header.Collection() != ""
}

// EntityName is the quality collection for the issues of one source collection.
func EntityName(header messagepkg.Header) string {
	name := header.Catalogue() + "_" + header.Collection()
	if app := header.Application(); app != "" {
		name += "_" + app
	}
	return name
}

// Update builds the workflow request carrying the issues written to ref.
func Update(header messagepkg.Header, ref string, count int) *messagepkg.Message {
	entity := EntityName(header)
	h := messagepkg.Header{
		messagepkg.HeaderSource:      header.Source(),
		messagepkg.HeaderApplication: header.Application(),
		messagepkg.HeaderCatalogue:   Catalogue,
		messagepkg.HeaderCollection:  entity,
		messagepkg.HeaderEntity:      entity,
		messagepkg.HeaderProcessID:   header.ProcessID(),
		messagepkg.HeaderRetryTime:   int64(RetryTime),
	}
	if mode := header.Get(messagepkg.HeaderMode); mode != "" {
		h[messagepkg.HeaderMode] = mode
	}
	return &messagepkg.Message{
		Header:      h,
		ContentsRef: ref,
		Summary:     &messagepkg.Summary{NumRecords: count},
		Workflow:    map[string]any{"workflow_name": Workflow},
	}
}
