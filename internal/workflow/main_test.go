package workflow

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// modernc.org/sqlite keeps a background connection reaper alive
		// for the life of the process.
		goleak.IgnoreTopFunction("modernc.org/sqlite.(*connPool).reaper"),
		// go.opencensus.io starts a background stats worker on package init
		// (pulled in transitively via google.golang.org/genai's cloud deps).
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}
