package wifi

// Credentials is one of [PreSharedKey] or [EnterpriseIdentity]. An
// attach attempt uses exactly one variant.
type Credentials interface {
	// Network returns the SSID the credentials are for.
	Network() string
	// Mode returns "psk" or "enterprise".
	Mode() string

	credentials()
}

// PreSharedKey authenticates with a single shared passphrase (WPA2-PSK).
type PreSharedKey struct {
	SSID       string
	Passphrase string
}

func (k PreSharedKey) Network() string { return k.SSID }
func (k PreSharedKey) Mode() string    { return ModePreShared }
func (PreSharedKey) credentials()      {}

// EnterpriseIdentity authenticates with 802.1X username/password
// (WPA2-Enterprise, PEAP/MSCHAPv2). Username is also sent as the EAP
// identity.
type EnterpriseIdentity struct {
	SSID     string
	Username string
	Password string
}

func (e EnterpriseIdentity) Network() string { return e.SSID }
func (e EnterpriseIdentity) Mode() string    { return ModeEnterprise }
func (EnterpriseIdentity) credentials()      {}

// Attach modes, used in logs and metric labels.
const (
	ModePreShared  = "psk"
	ModeEnterprise = "enterprise"
)
