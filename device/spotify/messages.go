package spotify

const (
	AppId     = "CC32E753"
	Namespace = "urn:x-cast:com.spotify.chromecast.secure.v1"

	tokenTypeAccessToken = "accessToken"
)

type MessageType string

const (
	TypeGetInfo         MessageType = "getInfo"
	TypeGetInfoResponse MessageType = "getInfoResponse"
	TypeAddUser         MessageType = "addUser"
	TypeAddUserResponse MessageType = "addUserResponse"
	TypeAddUserError    MessageType = "addUserError"
	TypeTransferSuccess MessageType = "transferSuccess"
	TypeTransferError   MessageType = "transferError"
)

type outgoingMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// incomingMessage keeps the payload loosely typed; each handler decodes the fields it needs.
type incomingMessage struct {
	Type    MessageType    `json:"type"`
	Payload map[string]any `json:"payload"`
}

type getInfoPayload struct {
	RemoteName string `json:"remoteName"`
	DeviceId   string `json:"deviceID"`
	IsGroup    bool   `json:"deviceAPI_isGroup"`
}

type getInfoResponsePayload struct {
	ClientId   string `mapstructure:"clientID"`
	DeviceId   string `mapstructure:"deviceID"`
	PublicKey  string `mapstructure:"publicKey"` // only sent by receivers that expect an encrypted blob
	RemoteName string `mapstructure:"remoteName"`
}

type addUserPayload struct {
	Blob      string `json:"blob"`
	TokenType string `json:"tokenType"`
	UserName  string `json:"userName,omitempty"`
	ClientKey string `json:"clientKey,omitempty"`
}

type errorPayload struct {
	ErrorCode   int    `mapstructure:"errorCode"`
	Description string `mapstructure:"description"`
}
