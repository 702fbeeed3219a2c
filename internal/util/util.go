package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidCode = errors.New("invalid task code")

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func LoadSeccomp(path string) (*specs.LinuxSeccomp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(b, &seccomp); err != nil {
		return nil, err
	}
	return &seccomp, nil
}

// SeccompSecurityOpt renders the profile at path as a docker security option.
func SeccompSecurityOpt(path string) (string, error) {
	profile, err := LoadSeccomp(path)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return "seccomp=" + string(b), nil
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SplitCode splits a task code of the form task[/language] and rejects
// anything that could escape the task repository or break object keys.
func SplitCode(code string) (task, language string, err error) {
	parts := strings.Split(code, "/")
	if len(parts) > 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	for _, p := range parts {
		if !segmentPattern.MatchString(p) {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	task = parts[0]
	if len(parts) == 2 {
		language = parts[1]
	}
	return task, language, nil
}

func ValidateCode(code string) error {
	_, _, err := SplitCode(code)
	return err
}

// FlatCode renders code as a single path segment.
func FlatCode(code string) string {
	return strings.ReplaceAll(code, "/", "-")
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func GetArtifactPath(code string) string {
	return fmt.Sprintf("statements/%s.pdf", code)
}

func GetArtifactKey(hash string) string {
	return fmt.Sprintf("artifact:%s", hash)
}

func GetResultKey(code string) string {
	return fmt.Sprintf("result:%s", code)
}

func GetDownloadFilename(code string) string {
	return fmt.Sprintf("statement-%s.pdf", FlatCode(code))
}
