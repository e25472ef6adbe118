package tgc

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// TLSConfig represents settings for SSL connections to locators and servers.
type TLSConfig struct {
	Enabled            bool   `json:"Enabled"`
	TrustStore         string `json:"TrustStore"`         // PEM bundle of trusted CAs.
	KeyStore           string `json:"KeyStore"`           // PEM cert+key, or a .p12/.pfx archive.
	KeyStorePassword   string `json:"KeyStorePassword"`   // only used for PKCS#12 key stores.
	ServerName         string `json:"ServerName"`         // overrides the verified host name.
	InsecureSkipVerify bool   `json:"InsecureSkipVerify"` // test setups only.
}

// CreateTLSConfig builds a *tls.Config from the trust store and key store locations.
// Either location may be empty.
func CreateTLSConfig(config *TLSConfig) (*tls.Config, error) {

	if config == nil || !config.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec
	}

	if config.TrustStore != "" {
		ca, err := os.ReadFile(config.TrustStore)
		if err != nil {
			return nil, newError(KindConfiguration, "CreateTLSConfig", ErrIllegalArgument, err, "reading trust store")
		}

		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(ca) {
			return nil, illegalArgument("CreateTLSConfig", "trust store %s holds no PEM certificates", config.TrustStore)
		}
	}

	if config.KeyStore != "" {
		cert, err := loadKeyStore(config.KeyStore, config.KeyStorePassword)
		if err != nil {
			return nil, newError(KindConfiguration, "CreateTLSConfig", ErrIllegalArgument, err, "loading key store")
		}

		cfg.Certificates = append(cfg.Certificates, cert)
	}

	return cfg, nil
}

func loadKeyStore(location string, password string) (tls.Certificate, error) {

	switch strings.ToLower(filepath.Ext(location)) {
	case ".p12", ".pfx":
		data, err := os.ReadFile(location)
		if err != nil {
			return tls.Certificate{}, err
		}

		key, leaf, err := pkcs12.Decode(data, password)
		if err != nil {
			return tls.Certificate{}, err
		}

		return tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}, nil
	default:
		return tls.LoadX509KeyPair(location, location)
	}
}
