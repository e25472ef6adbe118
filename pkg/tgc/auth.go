package tgc

import (
	jsoniter "github.com/json-iterator/go"
)

// AuthInitialize produces the credentials sent to a server when a connection is opened.
type AuthInitialize interface {
	GetCredentials(securityProperties map[string]string, server string) (map[string]string, error)
	Close()
}

// StaticCredentials is an AuthInitialize that always returns the same credentials.
type StaticCredentials map[string]string

// GetCredentials returns a copy of the static credentials.
func (sc StaticCredentials) GetCredentials(_ map[string]string, _ string) (map[string]string, error) {

	creds := make(map[string]string, len(sc))
	for k, v := range sc {
		creds[k] = v
	}

	return creds, nil
}

// Close does nothing.
func (sc StaticCredentials) Close() {}

type credentialsMessage struct {
	MembershipID string            `json:"MembershipID"`
	Credentials  map[string]string `json:"Credentials"`
}

func marshalCredentials(membershipID string, credentials map[string]string) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	payload, err := json.Marshal(&credentialsMessage{
		MembershipID: membershipID,
		Credentials:  credentials,
	})
	if err != nil {
		return nil, newError(KindAuthentication, "Credentials", ErrMalformedMessage, err, "encoding credentials")
	}

	return payload, nil
}
