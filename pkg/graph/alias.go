package graph

import (
	"strings"

	"github.com/cuemby/coreinit/pkg/types"
)

// Normalize lowercases the instance part of a unit name and validates that
// it carries one of the known kind suffixes. It does not touch the stem,
// since unit stems are case-sensitive identifiers chosen by the unit file
// author.
func Normalize(name string) (string, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return "", &NameError{Name: name, Reason: "missing kind suffix"}
	}
	suffix := name[dot+1:]
	if _, ok := suffixKinds[suffix]; !ok {
		return "", &NameError{Name: name, Reason: "unknown kind suffix " + suffix}
	}

	at := strings.IndexByte(name, '@')
	if at < 0 || at > dot {
		return name, nil
	}
	stem := name[:at]
	instance := strings.ToLower(name[at+1 : dot])
	return stem + "@" + instance + name[dot:], nil
}

// NameError reports a malformed unit name.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string { return "invalid unit name " + e.Name + ": " + e.Reason }

var suffixKinds = map[string]types.Kind{
	"service":   types.KindService,
	"socket":    types.KindSocket,
	"mount":     types.KindMount,
	"swap":      types.KindSwap,
	"target":    types.KindTarget,
	"path":      types.KindPath,
	"timer":     types.KindTimer,
	"slice":     types.KindSlice,
	"scope":     types.KindScope,
	"device":    types.KindDevice,
	"automount": types.KindAutomount,
}

// KindOf resolves the unit kind from its canonical name suffix.
func KindOf(name string) (types.Kind, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "", false
	}
	k, ok := suffixKinds[name[dot+1:]]
	return k, ok
}

// ExpandTemplate instantiates a template unit name ("foo@.service") with a
// concrete instance ("bar"), producing "foo@bar.service".
func ExpandTemplate(template, instance string) (string, error) {
	if !types.IsTemplate(template) {
		return "", &NameError{Name: template, Reason: "not a template"}
	}
	at := strings.IndexByte(template, '@')
	return template[:at+1] + instance + template[at+1:], nil
}

// InstanceOf returns the instance portion of an instantiated template name,
// and false if name carries no instance.
func InstanceOf(name string) (string, bool) {
	at := strings.IndexByte(name, '@')
	dot := strings.LastIndexByte(name, '.')
	if at < 0 || dot < 0 || dot <= at {
		return "", false
	}
	instance := name[at+1 : dot]
	if instance == "" {
		return "", false
	}
	return instance, true
}
