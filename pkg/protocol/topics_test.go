package protocol

import "testing"

func TestToolNameFromTopic(t *testing.T) {
	cases := []struct {
		topic   string
		name    string
		wantOK  bool
	}{
		{"tool.invoke.echo", "echo", true},
		{"tool.invoke.get_weather", "get_weather", true},
		{"message.inbound", "", false},
		{"tool.invoke.", "", false}, // prefix with no suffix is not a valid tool invocation topic
	}
	for _, c := range cases {
		name, ok := ToolNameFromTopic(c.topic)
		if ok != c.wantOK {
			t.Errorf("topic %q: ok = %v, want %v", c.topic, ok, c.wantOK)
			continue
		}
		if ok && name != c.name {
			t.Errorf("topic %q: name = %q, want %q", c.topic, name, c.name)
		}
	}
}

func TestToolInvokeTopic(t *testing.T) {
	if got := ToolInvokeTopic("echo"); got != "tool.invoke.echo" {
		t.Errorf("got %q", got)
	}
}

func TestToolNamePattern(t *testing.T) {
	valid := []string{"echo", "get_weather", "a", "a0_9"}
	invalid := []string{"Echo", "0abc", "-abc", "", "has space"}
	for _, v := range valid {
		if !ToolNamePattern.MatchString(v) {
			t.Errorf("expected %q to match", v)
		}
	}
	for _, v := range invalid {
		if ToolNamePattern.MatchString(v) {
			t.Errorf("expected %q not to match", v)
		}
	}
}

func TestReservedToolNames(t *testing.T) {
	for _, name := range []string{"get_diagnostics", "list_tools", "get_session_info"} {
		if _, reserved := ReservedToolNames[name]; !reserved {
			t.Errorf("%q should be reserved", name)
		}
	}
}
