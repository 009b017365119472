package infra

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "E2E"

var (
	itemNotProvidedError = errors.New("No such item")
)

type Node struct {
	Address            string `mapstructure:"address"`
	ServerNameOverride string `mapstructure:"serverNameOverride"`
	TLSCACert          string `mapstructure:"tlsCACert"`
	TLSCAKey           string `mapstructure:"tlsCAKey"`
	TLSCARoot          string `mapstructure:"tlsCARoot"`
	TLSCACertByte      []byte `mapstructure:"-"`
	TLSCAKeyByte       []byte `mapstructure:"-"`
	TLSCARootByte      []byte `mapstructure:"-"`
}

type ChaincodeConfig struct {
	Name    string `mapstructure:"name"`
	Path    string `mapstructure:"path"`
	Version string `mapstructure:"version"`
}

type PhaseConfig struct {
	Fcn      string        `mapstructure:"fcn"`
	Args     []string      `mapstructure:"args"`
	WaitTime time.Duration `mapstructure:"waitTime"` // commit wait, mutating phases only
}

type UserConfig struct {
	Name       string `mapstructure:"name"`
	Secret     string `mapstructure:"secret"`
	MSPID      string `mapstructure:"mspid"`
	PrivateKey string `mapstructure:"privateKey"` // pre-enrolled key, skips CA enrollment
	SignCert   string `mapstructure:"signCert"`   // pre-enrolled certificate
}

type CAConfig struct {
	URL       string `mapstructure:"url"`
	Name      string `mapstructure:"name"`
	TLSCACert string `mapstructure:"tlsCACert"`
}

type KeystoreConfig struct {
	Path  string `mapstructure:"path"`
	Reset bool   `mapstructure:"reset"` // drop stored enrollments before the run
}

type EndorsementConfig struct {
	MinimumSuccess int           `mapstructure:"minimumSuccess"`
	Timeout        time.Duration `mapstructure:"timeout"` // per peer call
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type Config struct {
	// Network
	Channel  string `mapstructure:"channel"`  // name of the channel to be operated on
	Peers    []Node `mapstructure:"peers"`    // endorsing peers
	Orderers []Node `mapstructure:"orderers"` // ordering service nodes, the first one is used
	EventHub Node   `mapstructure:"eventHub"` // peer observed for commit events

	Chaincode ChaincodeConfig `mapstructure:"chaincode"`
	Deploy    PhaseConfig     `mapstructure:"deploy"`
	Invoke    PhaseConfig     `mapstructure:"invoke"`
	Query     PhaseConfig     `mapstructure:"query"`

	// Client identity
	User     UserConfig     `mapstructure:"user"`
	CA       CAConfig       `mapstructure:"ca"`
	Keystore KeystoreConfig `mapstructure:"keystore"`

	Endorsement EndorsementConfig `mapstructure:"endorsement"`
	Timeout     time.Duration     `mapstructure:"timeout"` // bound on the whole run

	LogPath    string        `mapstructure:"logPath"`    // path of the event log file
	ReportPath string        `mapstructure:"reportPath"` // path of the report file
	Metrics    MetricsConfig `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chaincode.name", "example_cc")
	v.SetDefault("chaincode.path", "github.com/example_cc")
	v.SetDefault("chaincode.version", "1")

	v.SetDefault("deploy.fcn", "init")
	v.SetDefault("deploy.args", []string{"a", "100", "b", "200"})
	v.SetDefault("deploy.waitTime", 30*time.Second)
	v.SetDefault("invoke.fcn", "invoke")
	v.SetDefault("invoke.args", []string{"move", "a", "b", "100"})
	v.SetDefault("invoke.waitTime", 30*time.Second)
	v.SetDefault("query.fcn", "invoke")
	v.SetDefault("query.args", []string{"query", "b"})

	v.SetDefault("user.name", "admin")
	v.SetDefault("keystore.path", "keystore")
	v.SetDefault("keystore.reset", true)

	v.SetDefault("endorsement.minimumSuccess", 1)
	v.SetDefault("endorsement.timeout", 30*time.Second)
	v.SetDefault("timeout", 90*time.Second)

	// registered so that E2E_* variables resolve for them
	v.SetDefault("channel", "")
	v.SetDefault("eventHub.address", "")
	v.SetDefault("user.secret", "")
	v.SetDefault("user.mspid", "")
	v.SetDefault("user.privateKey", "")
	v.SetDefault("user.signCert", "")
	v.SetDefault("ca.url", "")
	v.SetDefault("ca.name", "")
	v.SetDefault("logPath", "")
	v.SetDefault("reportPath", "")
	v.SetDefault("metrics.listenAddress", "")
}

// LoadConfig resolves the configuration from, in decreasing precedence,
// overrides, E2E_* environment variables, the file and built-in defaults.
// An empty filename skips the file layer.
func LoadConfig(filename string, overrides map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, configError(errors.Wrapf(err, "fail to load %s", filename))
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, configError(errors.Wrap(err, "fail to unmarshal configuration"))
	}

	if err := c.loadTLSMaterial(); err != nil {
		return nil, configError(err)
	}
	if err := c.validate(); err != nil {
		return nil, configError(err)
	}

	return c, nil
}

func configError(err error) error {
	return wrapPipelineError(err, PhaseSetup, ConfigurationError, "invalid configuration")
}

func (c *Config) validate() error {
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	if len(c.Peers) == 0 {
		return errors.New("at least one peer is required")
	}
	for i, p := range c.Peers {
		if p.Address == "" {
			return errors.Errorf("peers[%d] has no address", i)
		}
	}
	if len(c.Orderers) == 0 {
		return errors.New("at least one orderer is required")
	}
	for i, o := range c.Orderers {
		if o.Address == "" {
			return errors.Errorf("orderers[%d] has no address", i)
		}
	}
	if c.EventHub.Address == "" {
		return errors.New("eventHub.address is required")
	}
	if c.Chaincode.Name == "" {
		return errors.New("chaincode.name is required")
	}
	if c.User.Name == "" {
		return errors.New("user.name is required")
	}
	if c.User.MSPID == "" {
		return errors.New("user.mspid is required")
	}
	if !c.PreEnrolled() {
		if c.User.PrivateKey != "" || c.User.SignCert != "" {
			return errors.New("user.privateKey and user.signCert must be given together")
		}
		if c.CA.URL == "" {
			return errors.New("either ca.url or user.privateKey and user.signCert are required")
		}
		if c.User.Secret == "" {
			return errors.New("user.secret is required for enrollment")
		}
	}
	if c.Endorsement.MinimumSuccess < 1 {
		return errors.Errorf("endorsement.minimumSuccess %d is not a positive number", c.Endorsement.MinimumSuccess)
	}
	if c.Timeout <= 0 {
		return errors.Errorf("timeout %s is not positive", c.Timeout)
	}
	if c.Deploy.WaitTime <= 0 || c.Invoke.WaitTime <= 0 {
		return errors.New("deploy.waitTime and invoke.waitTime must be positive")
	}
	return nil
}

// PreEnrolled reports whether the identity is read from key and certificate
// files instead of being enrolled with the CA
func (c *Config) PreEnrolled() bool {
	return c.User.PrivateKey != "" && c.User.SignCert != ""
}

func (c *Config) loadTLSMaterial() error {
	for i := range c.Peers {
		if err := c.Peers[i].loadConfig(); err != nil {
			return err
		}
	}
	for i := range c.Orderers {
		if err := c.Orderers[i].loadConfig(); err != nil {
			return err
		}
	}
	return c.EventHub.loadConfig()
}

func GetTLSCACerts(file string) ([]byte, error) {
	if file == "" {
		return nil, itemNotProvidedError
	}

	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Cert of %s", n.Address)
	}

	keyByte, err := GetTLSCACerts(n.TLSCAKey)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Key of %s", n.Address)
	}

	rootByte, err := GetTLSCACerts(n.TLSCARoot)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Root of %s", n.Address)
	}

	n.TLSCACertByte = certByte
	n.TLSCAKeyByte = keyByte
	n.TLSCARootByte = rootByte
	return nil
}
