package channels

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// kafkaTLS returns the TLS config for SSL and SASL_SSL, nil otherwise.
func kafkaTLS(cfg config.KafkaConfig) (*tls.Config, error) {
	proto := strings.ToUpper(cfg.SecurityProtocol)
	if proto != "SSL" && proto != "SASL_SSL" {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CALocation != "" {
		pem, err := os.ReadFile(cfg.CALocation)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// kafkaSASL returns the SASL mechanism for the configured protocol.
func kafkaSASL(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	proto := strings.ToUpper(cfg.SecurityProtocol)
	mech := strings.ToUpper(cfg.SASLMechanism)
	if !strings.HasPrefix(proto, "SASL_") {
		if mech != "" {
			return nil, fmt.Errorf("sasl mechanism %s needs security protocol SASL_PLAINTEXT or SASL_SSL", mech)
		}
		return nil, nil
	}
	switch mech {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	case "":
		return nil, fmt.Errorf("missing sasl mechanism for security protocol %s", proto)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %s", mech)
	}
}

// kafkaClients builds the reader dialer and writer transport for cfg.
func kafkaClients(cfg config.KafkaConfig) (*kafka.Dialer, *kafka.Transport, error) {
	tlsConf, err := kafkaTLS(cfg)
	if err != nil {
		return nil, nil, err
	}
	mech, err := kafkaSASL(cfg)
	if err != nil {
		return nil, nil, err
	}
	dialer := &kafka.Dialer{
		Timeout:       8 * time.Second,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}
	transport := &kafka.Transport{
		DialTimeout: 8 * time.Second,
		TLS:         tlsConf,
		SASL:        mech,
	}
	return dialer, transport, nil
}
