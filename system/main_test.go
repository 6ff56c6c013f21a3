package system

import (
	"os"
	"testing"

	"github.com/jordhan-carvalho/trainer/internal/labrat"
)

func TestMain(m *testing.M) {
	labrat.RunIfRequested()
	os.Exit(m.Run())
}
