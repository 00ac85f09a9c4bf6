package orchestrator

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	suffixLen  = 6
	slugMaxLen = 20
)

// containerName builds <prefix>-<userID>-<slug[:20]>-<6 random chars>. The
// suffix is drawn uniformly from [a-z2-7].
func containerName(prefix string, userID int64, slug string) string {
	if len(slug) > slugMaxLen {
		slug = slug[:slugMaxLen]
	}
	suffix := strings.ToLower(rand.Text()[:suffixLen])
	return fmt.Sprintf("%s-%d-%s-%s", prefix, userID, slug, suffix)
}
