package protocol

import "regexp"

// Fixed topics. tool.invoke.<name> is the one open family; its suffix must
// match ToolNamePattern.
const (
	TopicMessageInbound = "message.inbound"

	TopicAgentStarted   = "agent.started"
	TopicAgentCompleted = "agent.completed"
	TopicAgentError     = "agent.error"

	TopicTaskCreated   = "task.created"
	TopicTaskTriggered = "task.triggered"

	TopicPluginReady    = "plugin.ready"
	TopicPluginStopping = "plugin.stopping"

	TopicResponseSystem    = "response.system"
	TopicResponseChunk     = "response.chunk"
	TopicResponseToolCall  = "response.tool_call"
	TopicResponseToolResult = "response.tool_result"
	TopicResponseEnd       = "response.end"
	TopicResponseError     = "response.error"

	toolInvokePrefix = "tool.invoke."
)

// ToolNamePattern is the closed regex for a registrable tool name.
var ToolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ReservedToolNames can never be registered.
var ReservedToolNames = map[string]struct{}{
	"get_diagnostics":  {},
	"list_tools":       {},
	"get_session_info": {},
}

// ToolInvokeTopic builds the tool.invoke.<name> topic string.
func ToolInvokeTopic(name string) string {
	return toolInvokePrefix + name
}

// ToolNameFromTopic extracts <name> from a tool.invoke.<name> topic. ok is
// false if topic is not in that family.
func ToolNameFromTopic(topic string) (name string, ok bool) {
	if len(topic) <= len(toolInvokePrefix) || topic[:len(toolInvokePrefix)] != toolInvokePrefix {
		return "", false
	}
	return topic[len(toolInvokePrefix):], true
}
