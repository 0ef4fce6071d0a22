package lip

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol constants for the Lutron Integration Protocol.
const (
	// DefaultPort is the Telnet-style TCP port the controller listens on.
	DefaultPort = 23

	// DefaultUsername and DefaultPassword are the factory integration
	// credentials shipped on Lutron controllers.
	DefaultUsername = "lutron"
	DefaultPassword = "integration"

	// PromptLogin and PromptPassword are the literal prompts sent by the
	// controller during the login handshake. Note the trailing space.
	PromptLogin    = "login: "
	PromptPassword = "password: "

	// PromptReady is printed once the session is authenticated and before
	// each response batch. It carries no information and is stripped
	// before parsing.
	PromptReady = "GNET> "

	// KeepaliveProbe is a harmless system query used as a liveness probe.
	// The controller answers with a ~SYSTEM line, but any traffic counts
	// as liveness evidence.
	KeepaliveProbe = "?SYSTEM,10"

	// ActionButtonPress and ActionButtonRelease are the DEVICE action
	// numbers for keypad button events.
	ActionButtonPress   = 3
	ActionButtonRelease = 4

	// ActionOutputLevel is the OUTPUT action number for dimmer/shade level.
	ActionOutputLevel = 1

	// lineTerminator is appended to every outbound line.
	lineTerminator = "\r\n"
)

// Wire marker characters.
const (
	commandChar = '#'
	queryChar   = '?'
	statusChar  = '~'
)

// LIPMode identifies the kind of a parsed protocol message.
//
// The set is closed: lines the codec does not fully model are reported as
// ModeGeneralNotification with the raw text retained, and malformed lines
// degrade to ModeError rather than failing the parse.
type LIPMode int

const (
	// ModeOutput is a status report for a dimmer, switch, or shade output.
	ModeOutput LIPMode = iota

	// ModeInput is a status report for a contact-closure or sensor input.
	ModeInput

	// ModeDevice is a keypad/remote event (button press, release, LED).
	ModeDevice

	// ModeError is either a controller error report (~ERROR,...) or a
	// line that failed to parse; Raw carries the original text.
	ModeError

	// ModeLoginPrompt is the controller's "login: " prompt.
	ModeLoginPrompt

	// ModePasswordPrompt is the controller's "password: " prompt.
	ModePasswordPrompt

	// ModeGeneralNotification covers well-formed traffic the codec does
	// not model further: ~SYSTEM replies, command/query echoes, and the
	// bare ready prompt.
	ModeGeneralNotification
)

// String returns the protocol keyword for the mode.
func (m LIPMode) String() string {
	switch m {
	case ModeOutput:
		return "OUTPUT"
	case ModeInput:
		return "INPUT"
	case ModeDevice:
		return "DEVICE"
	case ModeError:
		return "ERROR"
	case ModeLoginPrompt:
		return "LOGIN_PROMPT"
	case ModePasswordPrompt:
		return "PASSWORD_PROMPT"
	case ModeGeneralNotification:
		return "GENERAL"
	default:
		return fmt.Sprintf("LIPMode(%d)", int(m))
	}
}

// LIPMessage is the parsed unit of inbound and outbound protocol traffic.
//
// A successfully parsed Output/Input/Device message always carries a
// positive IntegrationID and an ActionNumber; a line that cannot satisfy
// that is degraded to ModeError in full, never partially populated.
type LIPMessage struct {
	// Mode identifies the message kind.
	Mode LIPMode

	// IntegrationID is the controller-assigned numeric identifier of the
	// addressed device or zone. Zero for prompt/error/notification modes.
	IntegrationID int

	// ActionNumber identifies the command or status type (level, button
	// press, ...). Zero where not applicable.
	ActionNumber int

	// Values holds the remaining comma-separated parameters in order,
	// verbatim. Semantics depend on ActionNumber; use FloatValue for
	// numeric access.
	Values []string

	// Raw is the original line exactly as received, retained for
	// diagnostics and for modes the codec does not fully model.
	Raw string
}

// FloatValue returns the i-th value parsed as a float64.
func (m LIPMessage) FloatValue(i int) (float64, error) {
	if i < 0 || i >= len(m.Values) {
		return 0, fmt.Errorf("lip: value index %d out of range (have %d)", i, len(m.Values))
	}
	v, err := strconv.ParseFloat(m.Values[i], 64)
	if err != nil {
		return 0, fmt.Errorf("lip: value %q is not numeric: %w", m.Values[i], err)
	}
	return v, nil
}

// statusModes maps the keyword after '~' to a message mode.
var statusModes = map[string]LIPMode{
	"OUTPUT": ModeOutput,
	"INPUT":  ModeInput,
	"DEVICE": ModeDevice,
}

// ParseMessage parses one protocol line into a LIPMessage.
//
// It never fails: unparseable input becomes a ModeError message wrapping
// the original line. Trailing line terminators are stripped and any
// leading "GNET> " prompts are discarded before interpretation.
func ParseMessage(line string) LIPMessage {
	trimmed := strings.TrimRight(line, "\r\n")
	s := trimmed
	for strings.HasPrefix(s, PromptReady) {
		s = s[len(PromptReady):]
	}

	switch {
	case s == strings.TrimRight(PromptLogin, " ") || s == PromptLogin:
		return LIPMessage{Mode: ModeLoginPrompt, Raw: line}
	case s == strings.TrimRight(PromptPassword, " ") || s == PromptPassword:
		return LIPMessage{Mode: ModePasswordPrompt, Raw: line}
	case s == "" && trimmed != "":
		// Bare ready prompt, nothing to interpret.
		return LIPMessage{Mode: ModeGeneralNotification, Raw: line}
	case s == "":
		return LIPMessage{Mode: ModeError, Raw: line}
	}

	switch s[0] {
	case statusChar:
		return parseStatus(s, line)
	case commandChar, queryChar:
		// Echo of our own command or query; field layout is id,action,values
		// with no mode keyword.
		id, action, values, ok := parseFields(strings.Split(s[1:], ","))
		if !ok {
			return LIPMessage{Mode: ModeError, Raw: line}
		}
		return LIPMessage{
			Mode:          ModeGeneralNotification,
			IntegrationID: id,
			ActionNumber:  action,
			Values:        values,
			Raw:           line,
		}
	default:
		return LIPMessage{Mode: ModeError, Raw: line}
	}
}

// parseStatus parses a '~'-prefixed status line.
func parseStatus(s, raw string) LIPMessage {
	fields := strings.Split(s[1:], ",")
	keyword := fields[0]

	if keyword == "ERROR" {
		return LIPMessage{Mode: ModeError, Raw: raw}
	}

	mode, ok := statusModes[keyword]
	if !ok {
		// ~SYSTEM and friends: well-formed, not modeled further.
		return LIPMessage{Mode: ModeGeneralNotification, Raw: raw}
	}

	id, action, values, ok := parseFields(fields[1:])
	if !ok {
		return LIPMessage{Mode: ModeError, Raw: raw}
	}
	return LIPMessage{
		Mode:          mode,
		IntegrationID: id,
		ActionNumber:  action,
		Values:        values,
		Raw:           raw,
	}
}

// parseFields extracts integration ID, action number, and trailing values
// from the comma-separated fields after the mode marker. A non-numeric or
// non-positive integration ID, or a non-numeric action, fails the whole
// line so the caller degrades it to ModeError.
func parseFields(fields []string) (id, action int, values []string, ok bool) {
	if len(fields) < 2 {
		return 0, 0, nil, false
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil || id <= 0 {
		return 0, 0, nil, false
	}
	action, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, nil, false
	}
	if len(fields) > 2 {
		values = fields[2:]
	}
	return id, action, values, true
}

// EncodeCommand produces the wire form of a command:
//
//	#<integrationID>,<actionNumber>[,<value>...]\r\n
func EncodeCommand(integrationID, actionNumber int, values ...string) string {
	return encodeLine(commandChar, integrationID, actionNumber, values)
}

// EncodeQuery produces the wire form of a query:
//
//	?<integrationID>,<actionNumber>\r\n
func EncodeQuery(integrationID, actionNumber int) string {
	return encodeLine(queryChar, integrationID, actionNumber, nil)
}

func encodeLine(marker byte, integrationID, actionNumber int, values []string) string {
	var b strings.Builder
	b.WriteByte(marker)
	b.WriteString(strconv.Itoa(integrationID))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(actionNumber))
	for _, v := range values {
		b.WriteByte(',')
		b.WriteString(v)
	}
	b.WriteString(lineTerminator)
	return b.String()
}

// FormatLevel renders a 0-100 level the way the controller reports it,
// with two decimal places (75 -> "75.00").
func FormatLevel(level float64) string {
	return strconv.FormatFloat(level, 'f', 2, 64)
}
