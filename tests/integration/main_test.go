// Package integration drives the Hub and Client protocol end to end against
// a real MongoDB, mirroring the literal scenarios in spec §8.
package integration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	tcommon "github.com/bobmcallan/taskqueue/tests/common"
)

func freshPrefix(t *testing.T) string {
	t.Helper()
	sanitized := strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	return fmt.Sprintf("it_%s_%d", sanitized, time.Now().UnixNano()%1_000_000)
}

func mongoURI(t *testing.T) string {
	t.Helper()
	return tcommon.StartMongoDB(t).URI()
}
