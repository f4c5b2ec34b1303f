package bus

// Channel names are wire contracts shared with the strategy processes.
const (
	ChannelInstanceControl   = "instance:control"
	ChannelOrderManagement   = "order:management"
	ChannelMarketData        = "market:data"
	ChannelSystemEvents      = "system:events"
	ChannelConnectionStatus  = "connection:status"
	ChannelManagerRequests   = "connection-manager:requests"
	ChannelManagerResponse   = "connection-manager:response"
	ChannelAccountRequest    = "account-request"
	ChannelAccountResponse   = "account-response"
	ChannelHistoricalData    = "historical:data:response"
	ChannelPositionResponse  = "position:response"
	ChannelSLTPResponse      = "sltp:response"
)

// eventChannels maps event types to their default publication channel.
// Publish falls back to the system events channel for unknown types.
var eventChannels = map[string]string{
	// Market data plane
	"QUOTE":           ChannelMarketData,
	"TRADE":           ChannelMarketData,
	"DEPTH":           ChannelMarketData,
	"ORDER_FILLED":    ChannelMarketData,
	"POSITION_UPDATE": ChannelMarketData,
	"TRADE_EXECUTED":  ChannelMarketData,
	"ACCOUNT_UPDATE":  ChannelMarketData,

	// Order management
	"ORDER_RESPONSE":              ChannelOrderManagement,
	"ORDER_CANCELLATION_RESPONSE": ChannelOrderManagement,
	"BRACKET_ORDER_COMPLETE":      ChannelOrderManagement,

	// Instance control
	"REGISTRATION_RESPONSE":   ChannelInstanceControl,
	"SUBSCRIPTION_RESPONSE":   ChannelInstanceControl,
	"RECONCILIATION_RESPONSE": ChannelInstanceControl,

	// Connection manager request/response
	"MANAGER_RESPONSE": ChannelManagerResponse,

	// Account lookups
	"ACCOUNT_RESPONSE": ChannelAccountResponse,

	// Position and SL/TP responses
	"POSITION_RESPONSE": ChannelPositionResponse,
	"SLTP_RESPONSE":     ChannelSLTPResponse,

	// Historical data
	"HISTORICAL_DATA_RESPONSE": ChannelHistoricalData,

	// Connection lifecycle
	"CONNECTED":     ChannelConnectionStatus,
	"RECONNECTING":  ChannelConnectionStatus,
	"SHUTTING_DOWN": ChannelConnectionStatus,

	// System broadcasts
	"PAUSE_TRADING":           ChannelSystemEvents,
	"RESUME_TRADING":          ChannelSystemEvents,
	"RECONCILIATION_REQUIRED": ChannelSystemEvents,
}

// ChannelForEvent resolves the default channel for an event type
func ChannelForEvent(eventType string) string {
	if ch, ok := eventChannels[eventType]; ok {
		return ch
	}
	return ChannelSystemEvents
}
