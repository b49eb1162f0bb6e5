package config

import (
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
)

// Postgres TLS. Returns nil when no CA certificate is configured, which
// leaves the connection plaintext for local development.
func (c *Config) CreatePostgresTLSConfig() *tls.Config {
	if c.DBCACert == "" {
		return nil
	}
	rootCertPool := x509.NewCertPool()
	if ok := rootCertPool.AppendCertsFromPEM([]byte(c.DBCACert)); !ok {
		log.Fatal("failed to parse Postgres CA certificate")
	}
	return &tls.Config{
		RootCAs:    rootCertPool,
		ServerName: c.DBHost,
	}
}

// Kafka TLS. Returns nil when no CA certificate is configured.
func (c *Config) CreateKafkaTLSConfig() *tls.Config {
	if c.KafkaCACert == "" {
		return nil
	}

	rootCertPool := x509.NewCertPool()
	if ok := rootCertPool.AppendCertsFromPEM([]byte(c.KafkaCACert)); !ok {
		log.Fatal("failed to parse Kafka CA certificate")
	}

	// Extract host without port for TLS ServerName
	var serverName string
	if len(c.KafkaBrokers) > 0 {
		host, _, err := net.SplitHostPort(c.KafkaBrokers[0])
		if err != nil {
			// No port in the broker address, use it as-is
			serverName = c.KafkaBrokers[0]
		} else {
			serverName = host
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCertPool,
		ServerName: serverName, // must match SAN in certificate
		MinVersion: tls.VersionTLS12,
	}

	// Optional mutual TLS
	if c.KafkaCert != "" && c.KafkaKey != "" {
		cert, err := tls.X509KeyPair([]byte(c.KafkaCert), []byte(c.KafkaKey))
		if err != nil {
			log.Fatal("failed to parse Kafka client certificate pair")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig
}
