package simmodem

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errSyntax = errors.New("AT syntax error")

// RetCode is the result of an AT command, printed as a Hayes result code.
type RetCode int

const (
	// RetCodeOk indicates successful command execution
	RetCodeOk RetCode = iota
	// RetCodeError indicates command execution failed
	RetCodeError
	// RetCodeSilent indicates no response should be sent
	RetCodeSilent
	// RetCodeConnect indicates a connection was established
	RetCodeConnect
	// RetCodeNoCarrier indicates the connection was lost or never established
	RetCodeNoCarrier
	// RetCodeBusy indicates the remote endpoint is busy
	RetCodeBusy
	// RetCodeNoAnswer indicates the remote endpoint did not answer
	RetCodeNoAnswer
	// RetCodeRing indicates an incoming call
	RetCodeRing
	// RetCodeSkip makes a hook fall through to the built-in handler
	RetCodeSkip
)

// Command is one parsed AT command, e.g. "S0=2" or "+CGMI?".
type Command struct {
	// Name is the upper-cased command name ("S", "&F", "+CGMI")
	Name string
	// Num is the numeric parameter of a basic command
	Num string
	// Assign is set for "=" forms and for D
	Assign bool
	// Query is set for "?" forms
	Query bool
	// Value is the assigned value or the dial string
	Value string
}

// Extended reports whether the command is a "+" or "#" command.
func (c Command) Extended() bool {
	return strings.HasPrefix(c.Name, "+") || strings.HasPrefix(c.Name, "#")
}

// lineParser assembles "AT...\r" lines from a byte stream. Each input
// source has its own.
type lineParser struct {
	sawA   bool
	inLine bool
	line   strings.Builder
	last   string
}

const maxLineLen = 100

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// parseCommand splits the first command off a command line. Extended
// commands and D consume the rest of the line.
func parseCommand(s string) (Command, string, error) {
	var c Command
	if s == "" {
		return c, "", errSyntax
	}
	i := 0
	switch {
	case s[0] == '+' || s[0] == '#':
		j := 1
		for j < len(s) && isLetter(s[j]) {
			j++
		}
		if j == 1 {
			return c, "", errSyntax
		}
		c.Name = strings.ToUpper(s[:j])
		rest := s[j:]
		switch {
		case rest == "":
		case rest[0] == '?':
			c.Query = true
		case rest[0] == '=':
			c.Assign = true
			c.Value = rest[1:]
		default:
			return c, "", errSyntax
		}
		return c, "", nil

	case s[0] == '&' || s[0] == '%':
		if len(s) < 2 || !isLetter(s[1]) {
			return c, "", errSyntax
		}
		c.Name = strings.ToUpper(s[:2])
		i = 2

	case isLetter(s[0]):
		c.Name = strings.ToUpper(s[:1])
		if c.Name == "D" {
			c.Assign = true
			c.Value = s[1:]
			return c, "", nil
		}
		i = 1

	default:
		return c, "", errSyntax
	}

	j := i
	for j < len(s) && isDigit(s[j]) {
		j++
	}
	c.Num = s[i:j]
	rest := s[j:]
	switch {
	case strings.HasPrefix(rest, "?"):
		c.Query = true
		rest = rest[1:]
	case strings.HasPrefix(rest, "="):
		k := 1
		for k < len(rest) && isDigit(rest[k]) {
			k++
		}
		c.Assign = true
		c.Value = rest[1:k]
		rest = rest[k:]
	}
	return c, rest, nil
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

func (m *Modem) result(ret RetCode) {
	if m.quietMode || ret == RetCodeSilent || ret == RetCodeSkip {
		return
	}
	var s string
	if m.shortForm {
		s = strconv.Itoa(map[RetCode]int{
			RetCodeOk: 0, RetCodeConnect: 1, RetCodeRing: 2, RetCodeNoCarrier: 3,
			RetCodeError: 4, RetCodeBusy: 7, RetCodeNoAnswer: 8,
		}[ret])
	} else {
		switch ret {
		case RetCodeOk:
			s = "OK"
		case RetCodeError:
			s = "ERROR"
		case RetCodeConnect:
			s = m.connectStr
		case RetCodeNoCarrier:
			s = "NO CARRIER"
		case RetCodeBusy:
			s = "BUSY"
		case RetCodeNoAnswer:
			s = "NO ANSWER"
		case RetCodeRing:
			s = "RING"
		}
	}
	m.writeStr(m.cr() + s + m.cr())
}

// parseByte runs one command-mode byte through the line assembler of the
// current source.
func (m *Modem) parseByte(b byte) {
	p := &m.parsers[m.src]
	if !p.inLine {
		if m.echo {
			m.write([]byte{b})
		}
		switch {
		case b == 'A' || b == 'a':
			p.sawA = true
		case p.sawA && b == '/':
			p.sawA = false
			if m.echo {
				m.writeStr("\r")
			}
			m.execute(p.last)
		case p.sawA && (b == 'T' || b == 't'):
			p.sawA = false
			p.inLine = true
		default:
			p.sawA = false
		}
		return
	}

	switch {
	case b == 0x7f || b == 0x08:
		if n := p.line.Len(); n > 0 {
			s := p.line.String()[:n-1]
			p.line.Reset()
			p.line.WriteString(s)
			if m.echo {
				m.writeStr("\x1b[D \x1b[D")
			}
		}
	case b == '\r':
		p.inLine = false
		p.last = p.line.String()
		p.line.Reset()
		if m.echo {
			m.writeStr("\r")
		}
		m.execute(p.last)
	case b == '\n':
	case p.line.Len() < maxLineLen && strconv.IsPrint(rune(b)):
		p.line.WriteByte(b)
		if m.echo {
			m.write([]byte{b})
		}
	}
}

func (m *Modem) execute(line string) {
	m.result(m.processLine(line))
}

func (m *Modem) processLine(line string) RetCode {
	// Encapsulated commands are accepted in data mode too.
	if m.st == StatusClosed || (m.st == StatusConnected && m.src == srcBulk) {
		return RetCodeError
	}
	m.metrics.LastAtCmdTime = time.Now()
	m.metrics.AtCommands++

	ret := RetCodeOk
	rest := line
	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			return ret
		}
		cmd, next, err := parseCommand(rest)
		if err != nil {
			return RetCodeError
		}
		ret = m.processCommand(cmd)
		if ret == RetCodeError {
			return ret
		}
		rest = next
	}
}

func (m *Modem) processCommand(cmd Command) RetCode {
	if m.commandHook != nil {
		if r := m.commandHook(m, cmd); r != RetCodeSkip {
			return r
		}
	}
	switch cmd.Name {
	case "S":
		reg, err := strconv.Atoi(cmd.Num)
		if err != nil || reg < 0 || reg > 255 {
			return RetCodeError
		}
		if cmd.Assign {
			v, err := strconv.Atoi(cmd.Value)
			if err != nil || v < 0 || v > 255 {
				return RetCodeError
			}
			m.sregs[byte(reg)] = byte(v)
		} else if cmd.Query {
			m.writeStr(fmt.Sprintf("%s%03d%s", m.cr(), m.sregs[byte(reg)], m.cr()))
		}
	case "E":
		return m.setFlag(cmd.Num, &m.echo, false)
	case "V":
		return m.setFlag(cmd.Num, &m.shortForm, true)
	case "Q":
		return m.setFlag(cmd.Num, &m.quietMode, false)
	case "I":
		m.writeStr(m.cr() + m.model + m.cr())
	case "D":
		if m.st != StatusIdle {
			return RetCodeError
		}
		number := strings.ToUpper(strings.TrimSpace(cmd.Value))
		if number != "" && (number[0] == 'T' || number[0] == 'P') {
			number = strings.TrimSpace(number[1:])
		}
		return m.dial(number)
	case "A":
		switch m.st {
		case StatusIdle:
			return RetCodeNoCarrier
		case StatusRinging:
			m.setStatus(StatusConnected)
			return RetCodeSilent
		default:
			return RetCodeError
		}
	case "H":
		switch m.st {
		case StatusConnected, StatusConnectedCmd, StatusRinging:
			m.setStatus(StatusIdle)
			return RetCodeSilent
		}
	case "O":
		if m.st != StatusConnectedCmd {
			return RetCodeError
		}
		m.setStatus(StatusConnected)
		return RetCodeSilent
	case "&F", "Z":
		m.sregs[0] = 0
		m.echo = true
		m.shortForm = false
		m.quietMode = false
		if m.st == StatusConnected || m.st == StatusConnectedCmd {
			m.setStatus(StatusIdle)
			return RetCodeSilent
		}
	}
	return RetCodeOk
}

// setFlag handles the 0/1 forms of E, V and Q. inverted flags are set by 0.
func (m *Modem) setFlag(num string, flag *bool, inverted bool) RetCode {
	switch num {
	case "", "0":
		*flag = inverted
	case "1":
		*flag = !inverted
	default:
		return RetCodeError
	}
	return RetCodeOk
}

func (m *Modem) dial(number string) RetCode {
	if number == "" {
		return RetCodeNoCarrier
	}
	if m.dialHook != nil {
		if r := m.dialHook(m, number); r != RetCodeConnect {
			return r
		}
	}
	m.setStatus(StatusConnected)
	return RetCodeSilent
}

// online handles a byte written by the host while connected: it goes to
// the echo peer, and three '+' framed by the guard time escape to command
// mode.
func (m *Modem) online(b byte) {
	m.metrics.PeerTxBytes++
	m.metrics.PeerRxBytes++
	m.write([]byte{b})

	guard := time.Duration(m.sregs[12]) * 50 * time.Millisecond
	if b != '+' {
		m.plusCnt = 0
		m.lastNotPlus = time.Now()
		return
	}
	if guard > 0 {
		if time.Since(m.lastNotPlus) < guard {
			m.plusCnt = 0
			m.lastNotPlus = time.Now()
			return
		}
		if time.Since(m.lastPlus) > guard {
			m.plusCnt = 0
		}
	}
	m.plusCnt++
	m.lastPlus = time.Now()
	if m.plusCnt != 3 {
		return
	}
	if guard == 0 {
		m.setStatus(StatusConnectedCmd)
		return
	}
	gen := m.gen
	time.AfterFunc(guard, func() {
		m.Lock()
		defer m.Unlock()
		if m.gen != gen || m.plusCnt != 3 || m.st != StatusConnected {
			return
		}
		m.src = srcBulk
		m.setStatus(StatusConnectedCmd)
		m.flush()
	})
}
