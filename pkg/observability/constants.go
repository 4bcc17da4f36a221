package observability

const (
	AttrConversationID = "chat.conversation_id"
	AttrRequestID      = "chat.request_id"
	AttrNodeID         = "fleet.node_id"
	AttrToolName       = "task.tool_name"
	AttrLLMModel       = "llm.model"
	AttrErrorType      = "error.type"

	SpanChatRequest   = "chat.request"
	SpanLLMRequest    = "chat.llm_request"
	SpanTaskDispatch  = "fleet.task_dispatch"
	SpanContextManage = "context.manage"
	SpanHTTPRequest   = "http.request"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	DefaultServiceName  = "flotilla"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
