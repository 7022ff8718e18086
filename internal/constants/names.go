package constants

// Well-known ports for etcd transports.
const (
	PortClient = 2379
	PortPeer   = 2380
)

// InternalUser is the fixed internal administrative identity.
const InternalUser = "root"

// Suffixes for per-cluster Kubernetes resource names.
const (
	// SuffixAdminCredential is appended to the cluster name for the Secret
	// holding the internal admin credential.
	SuffixAdminCredential = "-admin-credential"
	// SuffixPeerState is appended to the cluster name for the ConfigMap
	// backing the peer state store.
	SuffixPeerState = "-peer-state"
	// SuffixMemberConfig is appended to the cluster name for the ConfigMap
	// carrying rendered member configuration files.
	SuffixMemberConfig = "-config"
	// SuffixTLSPeer and SuffixTLSClient are appended to the cluster name for
	// the Secrets holding per-endpoint trust material.
	SuffixTLSPeer   = "-tls-peer"
	SuffixTLSClient = "-tls-client"
)

// Secret data keys.
const (
	SecretKeyPassword    = "password"
	SecretKeyTLSCert     = "tls.crt"
	SecretKeyTLSKey      = "tls.key"
	SecretKeyCACert      = "ca.crt"
	SecretKeyCSR         = "tls.csr"
	SecretKeyFingerprint = "fingerprint"
)
