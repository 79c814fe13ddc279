// Package identity builds an ExecutionIdentity for a file on disk: its content
// hash plus, on macOS, the code signature details reported by codesign.
package identity

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"execguard/internal/domain"
)

// Runner runs an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Signature is the subset of codesign output the rules care about.
type Signature struct {
	Identifier  string
	TeamID      string
	CDHash      string
	Authorities []string
	Adhoc       bool
	Signed      bool
}

// Extractor builds identities. The zero value inspects signatures only on
// darwin.
type Extractor struct {
	Run Runner
	// Codesign forces signature inspection on or off. Nil means "on darwin".
	Codesign *bool
}

// FromFile hashes path and inspects its signature with the default extractor.
func FromFile(ctx context.Context, path string) (domain.ExecutionIdentity, error) {
	return Extractor{}.FromFile(ctx, path)
}

func (e Extractor) FromFile(ctx context.Context, path string) (domain.ExecutionIdentity, error) {
	sum, err := HashFile(path)
	if err != nil {
		return domain.ExecutionIdentity{}, err
	}
	id := domain.ExecutionIdentity{
		SHA256:       sum,
		Path:         path,
		BundleBinary: IsBundleBinary(path),
	}

	if !e.inspect() {
		return id, nil
	}
	run := e.Run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, "codesign", "--display", "--verbose=4", path)
	if err != nil {
		if strings.Contains(string(out), "not signed at all") {
			id.SigningStatus = domain.SigningStatusUnsigned
			return id, nil
		}
		if ctx.Err() != nil {
			return domain.ExecutionIdentity{}, fmt.Errorf("codesign %s: %w", path, ctx.Err())
		}
		id.SigningStatus = domain.SigningStatusInvalid
		return id, nil
	}
	sig := ParseCodesign(string(out))

	verified := true
	if _, err := run(ctx, "codesign", "--verify", "--strict", path); err != nil {
		if ctx.Err() != nil {
			return domain.ExecutionIdentity{}, fmt.Errorf("codesign verify %s: %w", path, ctx.Err())
		}
		verified = false
	}
	apply(&id, sig, verified)
	return id, nil
}

func (e Extractor) inspect() bool {
	if e.Codesign != nil {
		return *e.Codesign
	}
	return runtime.GOOS == "darwin"
}

func apply(id *domain.ExecutionIdentity, sig Signature, verified bool) {
	switch {
	case !sig.Signed:
		id.SigningStatus = domain.SigningStatusUnsigned
		return
	case !verified:
		id.SigningStatus = domain.SigningStatusInvalid
	case sig.Adhoc:
		id.SigningStatus = domain.SigningStatusAdhoc
	case len(sig.Authorities) > 0 && strings.HasPrefix(sig.Authorities[0], "Apple Development"):
		id.SigningStatus = domain.SigningStatusDevelopment
	default:
		id.SigningStatus = domain.SigningStatusProduction
	}

	id.CDHash = strings.ToLower(sig.CDHash)
	if sig.Adhoc {
		return
	}
	id.TeamID = sig.TeamID
	id.SigningID = SigningID(sig)
	id.CertSHA256s = CertHashes(sig.Authorities)
}

// ParseCodesign reads the key=value lines of `codesign --display --verbose=4`.
func ParseCodesign(out string) Signature {
	var sig Signature
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "Executable":
			sig.Signed = true
		case "Identifier":
			sig.Identifier = val
		case "TeamIdentifier":
			if val != "not set" && IsValidTeamID(val) {
				sig.TeamID = val
			}
		case "CDHash":
			sig.CDHash = val
		case "Authority":
			sig.Authorities = append(sig.Authorities, val)
		case "Signature":
			if val == "adhoc" {
				sig.Adhoc = true
			}
		}
	}
	if sig.TeamID == "" && len(sig.Authorities) > 0 {
		sig.TeamID = TeamIDFromCertName(sig.Authorities[0])
	}
	return sig
}

// SigningID returns "TEAMID:identifier", or "platform:identifier" for Apple
// platform binaries. It is empty when the signature carries no identifier or
// no team.
func SigningID(sig Signature) string {
	if sig.Identifier == "" {
		return ""
	}
	if sig.TeamID != "" {
		return sig.TeamID + ":" + sig.Identifier
	}
	if len(sig.Authorities) > 0 && sig.Authorities[0] == "Software Signing" {
		return "platform:" + sig.Identifier
	}
	return ""
}

// CertHashes derives stable per-certificate identifiers from the authority
// chain, leaf first.
func CertHashes(authorities []string) []string {
	out := make([]string, 0, len(authorities))
	for _, a := range authorities {
		sum := sha256.Sum256([]byte(a))
		out = append(out, hex.EncodeToString(sum[:]))
	}
	return out
}

// TeamIDFromCertName extracts the team from names such as
// "Developer ID Application: Company Name (TEAMID1234)".
func TeamIDFromCertName(name string) string {
	start := strings.LastIndex(name, "(")
	end := strings.LastIndex(name, ")")
	if start == -1 || end <= start {
		return ""
	}
	teamID := name[start+1 : end]
	if !IsValidTeamID(teamID) {
		return ""
	}
	return teamID
}

// IsValidTeamID checks for a 10 character upper-case alphanumeric string.
func IsValidTeamID(teamID string) bool {
	return domain.IsValidTeamID(teamID)
}

// IsBundleBinary reports whether path is the main executable of an app
// bundle.
func IsBundleBinary(path string) bool {
	return strings.Contains(path, ".app/Contents/MacOS/")
}

// HashFile returns the lower-case hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", path, errIsDirectory)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var errIsDirectory = errors.New("is a directory")
