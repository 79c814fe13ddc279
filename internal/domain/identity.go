package domain

// Well-known locations of the client, used by collaborators to verify their
// own signatures. The decision logic does not read them.
const (
	DaemonPath = "/Applications/Santa.app/Contents/Library/SystemExtensions/" +
		"com.northpolesec.santa.daemon.systemextension/Contents/MacOS/com.northpolesec.santa.daemon"
	AppPath = "/Applications/Santa.app"
)

// ExecutionIdentity describes the binary behind one execution request. It is
// built once per intercepted event and must not be modified afterwards.
type ExecutionIdentity struct {
	SHA256    string `json:"sha256"`
	CDHash    string `json:"cdhash,omitempty"`
	SigningID string `json:"signing_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`

	// CertSHA256s is the signing chain, leaf certificate first.
	CertSHA256s []string `json:"cert_sha256s,omitempty"`

	Path          string        `json:"path"`
	SigningStatus SigningStatus `json:"signing_status"`
	BundleBinary  bool          `json:"bundle_binary,omitempty"`
}

// Key is the identity used by the decision cache: the content hash, or the
// CDHash for binaries that were not hashed.
func (id ExecutionIdentity) Key() string {
	if id.SHA256 != "" {
		return id.SHA256
	}
	return id.CDHash
}

// Identifiers returns the values to probe for rule type t, in order. Only the
// certificate type can yield more than one.
func (id ExecutionIdentity) Identifiers(t RuleType) []string {
	var v string
	switch t {
	case RuleTypeCDHash:
		v = id.CDHash
	case RuleTypeBinary:
		v = id.SHA256
	case RuleTypeSigningID:
		v = id.SigningID
	case RuleTypeTeamID:
		v = id.TeamID
	case RuleTypeCertificate:
		out := make([]string, 0, len(id.CertSHA256s))
		for _, c := range id.CertSHA256s {
			if c != "" {
				out = append(out, NormalizeIdentifier(t, c))
			}
		}
		return out
	}
	if v == "" {
		return nil
	}
	return []string{NormalizeIdentifier(t, v)}
}

// SignatureTrusted reports whether signature-derived identifiers (CDHash,
// signing ID, certificates, team ID) may be used for rule matching.
func (id ExecutionIdentity) SignatureTrusted() bool {
	return id.SigningStatus != SigningStatusInvalid
}
