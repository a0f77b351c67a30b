package metrics

const (
	ClientReqsSentH      = "The total number of requests sent to the peer"
	ClientReqsSentN      = "ntpsync_client_reqs_sent"
	ClientPktsReceivedH  = "The total number of packets received from the peer"
	ClientPktsReceivedN  = "ntpsync_client_pkts_received"
	ClientRespsAcceptedH = "The total number of responses accepted from the peer"
	ClientRespsAcceptedN = "ntpsync_client_resps_accepted"

	EngineCyclesH        = "The total number of synchronization cycles run"
	EngineCyclesN        = "ntpsync_engine_cycles"
	EngineCycleFailuresH = "The total number of failed synchronization cycles by cause"
	EngineCycleFailuresN = "ntpsync_engine_cycle_failures"
	EngineOffsetH        = "The current estimated offset to the peer in seconds"
	EngineOffsetN        = "ntpsync_engine_offset_seconds"
	EngineDelayH         = "The round trip delay of the selected sample in seconds"
	EngineDelayN         = "ntpsync_engine_delay_seconds"
	EngineStateH         = "The current engine state (0 stopped, 1 starting, 2 synced, 3 degraded)"
	EngineStateN         = "ntpsync_engine_state"

	ServerPktsReceivedH = "The total number of packets received by the responder"
	ServerPktsReceivedN = "ntpsync_server_pkts_received"
	ServerReqsAcceptedH = "The total number of requests accepted by the responder"
	ServerReqsAcceptedN = "ntpsync_server_reqs_accepted"
	ServerReqsServedH   = "The total number of requests served by the responder"
	ServerReqsServedN   = "ntpsync_server_reqs_served"
	ServerReqsDroppedH  = "The total number of requests dropped by the responder"
	ServerReqsDroppedN  = "ntpsync_server_reqs_dropped"
)
