package protocol

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

var (
	methodCommandMu sync.RWMutex
	methodCommand   = map[string]string{}
	commandMethod   = map[string]string{}
	strictMapping   bool
)

// SetStrictCommandMapping makes MapMethodToCommand return an error when
// the method is not explicitly registered.
func SetStrictCommandMapping(strict bool) {
	methodCommandMu.Lock()
	strictMapping = strict
	methodCommandMu.Unlock()
}

// RegisterMethodCommand binds an RPC service+method to a host command name.
func RegisterMethodCommand(service, method, command string) {
	RegisterFullMethodCommand(service+"."+method, command)
}

// RegisterFullMethodCommand binds "Service.Method" to a host command name.
// Binding one command to two different methods panics.
func RegisterFullMethodCommand(fullMethod, command string) {
	fullMethod = strings.TrimSpace(fullMethod)
	if fullMethod == "" || command == "" {
		panic("RegisterFullMethodCommand: empty method or command")
	}
	service, method, err := splitFullMethod(fullMethod)
	if err != nil {
		panic("RegisterFullMethodCommand: " + err.Error())
	}
	normalized := service + "." + method

	methodCommandMu.Lock()
	defer methodCommandMu.Unlock()
	if existing, ok := commandMethod[command]; ok && existing != normalized {
		panic(fmt.Sprintf("command %q already bound to %q (attempted %q)", command, existing, normalized))
	}
	methodCommand[normalized] = command
	commandMethod[command] = normalized
}

// MapMethodToCommand resolves an RPC method to a host command name.
// Without an explicit binding and outside strict mode the name is derived
// as snake_case(service) + "_" + snake_case(method).
func MapMethodToCommand(fullMethod string) (string, error) {
	service, method, err := splitFullMethod(strings.TrimSpace(fullMethod))
	if err != nil {
		return "", err
	}
	normalized := service + "." + method

	methodCommandMu.RLock()
	cmd, ok := methodCommand[normalized]
	strict := strictMapping
	methodCommandMu.RUnlock()
	if ok {
		return cmd, nil
	}
	if strict {
		return "", fmt.Errorf("unregistered command mapping for %q", normalized)
	}
	return snakeCase(service) + "_" + snakeCase(method), nil
}

func splitFullMethod(fullMethod string) (service string, method string, err error) {
	idx := strings.LastIndexByte(fullMethod, '.')
	if idx <= 0 || idx >= len(fullMethod)-1 {
		return "", "", fmt.Errorf("invalid method format: %s", fullMethod)
	}
	service = strings.TrimSpace(fullMethod[:idx])
	method = strings.TrimSpace(fullMethod[idx+1:])
	if service == "" || method == "" {
		return "", "", fmt.Errorf("invalid method format: %s", fullMethod)
	}
	return service, method, nil
}

func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	prevLower := false
	for _, r := range s {
		if unicode.IsUpper(r) {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}
