package smartip

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
)

// apiBasePath is the prefix of every control API route.
const apiBasePath = "/public/v1"

const redacted = "********"

// DeviceEndpoint is the immutable address and credential record for one device.
type DeviceEndpoint struct {
	Address    string
	Port       int
	Scheme     string
	Username   string
	Password   string
	Token      string
	APIVersion string
}

// EndpointFromConfig builds an endpoint from a device config entry.
func EndpointFromConfig(d config.DeviceConfig) DeviceEndpoint {
	return DeviceEndpoint{
		Address:    d.Address,
		Port:       d.Port,
		Scheme:     d.Scheme,
		Username:   d.Username,
		Password:   d.Password,
		Token:      d.Token,
		APIVersion: d.APIVersion,
	}
}

// Validate checks the endpoint can be dialled.
func (e DeviceEndpoint) Validate() error {
	if e.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if e.Scheme != "http" && e.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, e.Scheme)
	}
	return nil
}

// Key identifies the physical device behind the endpoint.
func (e DeviceEndpoint) Key() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// BaseURL returns the control API root, e.g. http://10.0.0.5:9000/public/v1.
func (e DeviceEndpoint) BaseURL() string {
	u := url.URL{Scheme: e.Scheme, Host: e.Key(), Path: apiBasePath}
	return u.String()
}

// String renders the endpoint without secrets.
func (e DeviceEndpoint) String() string {
	s := e.Scheme + "://"
	if e.Username != "" {
		s += e.Username + ":" + redacted + "@"
	}
	return s + e.Key() + apiBasePath
}

// MarshalJSON redacts the password and token.
func (e DeviceEndpoint) MarshalJSON() ([]byte, error) {
	type endpointJSON struct {
		Address    string `json:"address"`
		Port       int    `json:"port"`
		Scheme     string `json:"scheme"`
		Username   string `json:"username,omitempty"`
		Password   string `json:"password,omitempty"`
		Token      string `json:"token,omitempty"`
		APIVersion string `json:"api_version,omitempty"`
	}
	out := endpointJSON{
		Address:    e.Address,
		Port:       e.Port,
		Scheme:     e.Scheme,
		Username:   e.Username,
		APIVersion: e.APIVersion,
	}
	if e.Password != "" {
		out.Password = redacted
	}
	if e.Token != "" {
		out.Token = redacted
	}
	return json.Marshal(out)
}
