// Package protocol implements the client-facing wire envelope: the
// three-phase ACK/terminal/ERROR contract, the UPDATE push format, and the
// camelCase (wire) <-> snake_case (internal) boundary translation.
package protocol

const Version = "2.0"

// Inbound request types (client -> server).
const (
	TypeGetConfig               = "GET_CONFIG"
	TypeGetSearchSymbols         = "GET_SEARCH_SYMBOLS"
	TypeGetResolveSymbol         = "GET_RESOLVE_SYMBOL"
	TypeGetKlines                = "GET_KLINES"
	TypeGetQuotes                = "GET_QUOTES"
	TypeGetServerTime            = "GET_SERVER_TIME"
	TypeGetSpotAccount           = "GET_SPOT_ACCOUNT"
	TypeGetFuturesAccount        = "GET_FUTURES_ACCOUNT"
	TypeSubscribe                = "SUBSCRIBE"
	TypeUnsubscribe              = "UNSUBSCRIBE"
	TypeGetSubscriptions         = "GET_SUBSCRIPTIONS"
	TypeGetStrategyMetadata      = "GET_STRATEGY_METADATA"
	TypeGetStrategyMetadataByType = "GET_STRATEGY_METADATA_BY_TYPE"
	TypeCreateAlertConfig        = "CREATE_ALERT_CONFIG"
	TypeUpdateAlertConfig        = "UPDATE_ALERT_CONFIG"
	TypeDeleteAlertConfig        = "DELETE_ALERT_CONFIG"
	TypeEnableAlertConfig        = "ENABLE_ALERT_CONFIG"
	TypeDisableAlertConfig       = "DISABLE_ALERT_CONFIG"
	TypeListAlertConfigs         = "LIST_ALERT_CONFIGS"
	TypeGetAlertConfig           = "GET_ALERT_CONFIG"
	TypeListSignals              = "LIST_SIGNALS"
)

// Outbound framing and terminal-success types (server -> client).
const (
	TypeACK                    = "ACK"
	TypeError                  = "ERROR"
	TypeUpdate                 = "UPDATE"
	TypeConfigData             = "CONFIG_DATA"
	TypeKlinesData             = "KLINES_DATA"
	TypeQuotesData             = "QUOTES_DATA"
	TypeSymbolData             = "SYMBOL_DATA"
	TypeSearchSymbolsData      = "SEARCH_SYMBOLS_DATA"
	TypeSubscriptionData       = "SUBSCRIPTION_DATA"
	TypeAccountData            = "ACCOUNT_DATA"
	TypeStrategyMetadataData   = "STRATEGY_METADATA_DATA"
	TypeAlertConfigData        = "ALERT_CONFIG_DATA"
	TypeSignalData             = "SIGNAL_DATA"
)

// dataTypeForRequest maps an inbound request type to the terminal success
// type the task router/data processor must eventually emit for it.
var dataTypeForRequest = map[string]string{
	TypeGetConfig:                TypeConfigData,
	TypeGetSearchSymbols:         TypeSearchSymbolsData,
	TypeGetResolveSymbol:         TypeSymbolData,
	TypeGetKlines:                TypeKlinesData,
	TypeGetQuotes:                TypeQuotesData,
	TypeGetServerTime:            TypeConfigData,
	TypeGetSpotAccount:           TypeAccountData,
	TypeGetFuturesAccount:        TypeAccountData,
	TypeGetSubscriptions:         TypeSubscriptionData,
	TypeGetStrategyMetadata:      TypeStrategyMetadataData,
	TypeGetStrategyMetadataByType: TypeStrategyMetadataData,
	TypeCreateAlertConfig:        TypeAlertConfigData,
	TypeUpdateAlertConfig:        TypeAlertConfigData,
	TypeDeleteAlertConfig:        TypeAlertConfigData,
	TypeEnableAlertConfig:        TypeAlertConfigData,
	TypeDisableAlertConfig:       TypeAlertConfigData,
	TypeListAlertConfigs:         TypeAlertConfigData,
	TypeGetAlertConfig:           TypeAlertConfigData,
	TypeListSignals:              TypeSignalData,
}

// TerminalTypeFor returns the success `_DATA` type for a given inbound
// request type, and whether that request type is recognized at all.
func TerminalTypeFor(requestType string) (string, bool) {
	t, ok := dataTypeForRequest[requestType]
	return t, ok
}

// Envelope is the wire-level JSON frame. Data is left raw so the codec layer
// can decode it into a concrete, type-specific payload only once the
// envelope's Type has been dispatched on.
type Envelope struct {
	ProtocolVersion string `json:"protocolVersion"`
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
	Data            interface{} `json:"data"`
}

// ErrorData is the payload carried inside an ERROR envelope.
type ErrorData struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// UpdateData is the payload carried inside an UPDATE envelope.
type UpdateData struct {
	SubscriptionKey string      `json:"subscriptionKey"`
	Content         interface{} `json:"content"`
}
