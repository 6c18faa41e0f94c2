package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt string `env:"MIRROR_BY_JWT"`
}

// unverified claim parse. The id is used for log tags only; the server
// verifies the token on connect.
func (self *ClientAuth) ClientId() (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims := token.Claims.(gojwt.MapClaims)
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("missing client_id claim")
	}
	return ParseId(clientIdStr)
}

// builds the transport for a client. The default builds a websocket
// transport from the client settings.
type TransportFunc func(ctx context.Context, settings *ClientSettings) Transport

type ClientSettings struct {
	// endpoint address, e.g. wss://host/websocket
	Url string `env:"MIRROR_URL"`

	Transport TransportFunc

	AutoConnect   bool `env:"MIRROR_AUTO_CONNECT" envDefault:"true"`
	AutoReconnect bool `env:"MIRROR_AUTO_RECONNECT" envDefault:"true"`

	ReconnectInterval time.Duration `env:"MIRROR_RECONNECT_INTERVAL" envDefault:"1s"`

	ClearDataOnReconnection bool `env:"MIRROR_CLEAR_DATA_ON_RECONNECTION" envDefault:"true"`

	// maximum wait for connect and for a method result. 0 waits
	// indefinitely
	MaxTimeout time.Duration `env:"MIRROR_MAX_TIMEOUT"`

	// drop queued outgoing messages when a connection ends
	CleanQueueOnDisconnect bool `env:"MIRROR_CLEAN_QUEUE"`

	ProtocolVersion string `env:"MIRROR_PROTOCOL_VERSION" envDefault:"1"`

	// optional socks5 proxy for the websocket dial
	ProxyUrl string `env:"MIRROR_PROXY_URL"`

	Auth *ClientAuth

	// ordered plugin bundles
	Plugins []*Plugin

	// textual import/export codec. Defaults to JSON
	Codec Codec
}

func DefaultClientSettings(url string) *ClientSettings {
	return &ClientSettings{
		Url:                     url,
		AutoConnect:             true,
		AutoReconnect:           true,
		ReconnectInterval:       1 * time.Second,
		ClearDataOnReconnection: true,
		ProtocolVersion:         "1",
	}
}

func DefaultClientSettingsFromEnv() (*ClientSettings, error) {
	settings := &ClientSettings{}
	if err := env.Parse(settings); err != nil {
		return nil, err
	}
	auth := &ClientAuth{}
	if err := env.Parse(auth); err != nil {
		return nil, err
	}
	if auth.ByJwt != "" {
		settings.Auth = auth
	}
	return settings, nil
}

func (self *ClientSettings) webSocketTransportSettings() *WebSocketTransportSettings {
	transportSettings := DefaultWebSocketTransportSettings()
	transportSettings.ProtocolVersion = self.ProtocolVersion
	transportSettings.CleanQueueOnDisconnect = self.CleanQueueOnDisconnect
	transportSettings.ProxyUrl = self.ProxyUrl
	transportSettings.Auth = self.Auth
	return transportSettings
}
