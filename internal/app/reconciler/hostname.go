package reconciler

import (
	"strings"

	"github.com/CompareGroup/chef-asg/pkg/events"
)

// Placeholder stands in for a field that was missing from a
// lifecycle message.
const Placeholder = "None"

// HostnameSeparator joins the group name and instance id.
const HostnameSeparator = "-"

// JoinHostname returns the node name for an instance of an autoscaling
// group: "{group}-{instanceID}". Neither part is escaped.
func JoinHostname(group, instanceID string) string {
	return strings.Join([]string{group, instanceID}, HostnameSeparator)
}

// Hostname returns the node name for the instance described by m.
// Absent fields are rendered as Placeholder, so a message without an
// instance id or group still yields a name (e.g. "None-None").
func Hostname(m *events.LifecycleMessage) string {
	group, id := Placeholder, Placeholder
	if m.HasAutoScalingGroupName {
		group = m.AutoScalingGroupName
	}
	if m.HasInstanceID {
		id = m.InstanceID
	}
	return JoinHostname(group, id)
}
