package backup

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateBackupID returns backup_<utc timestamp>_<6 random chars>, with the
// timestamp's ':' and '.' replaced by '-' so the id is filename safe.
func GenerateBackupID(now time.Time) string {
	stamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "backup_" + stamp + "_" + randomSuffix(6)
}

func randomSuffix(n int) string {
	var b strings.Builder
	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			b.WriteByte(idAlphabet[time.Now().UnixNano()%int64(len(idAlphabet))])
			continue
		}
		b.WriteByte(idAlphabet[idx.Int64()])
	}
	return b.String()
}

// validID rejects ids that could escape the metadata directory
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
