package script

import (
	"regexp"

	"github.com/miekg/dns"
	lua "github.com/yuin/gopher-lua"

	"github.com/censorlab/censorlab/pkg/model"
)

const typeRegex = "censor.regex"

// registerHelpers installs the auxiliary host capabilities: the regex
// builder, the DNS parser, and the model handle when models are
// loaded. Compiled patterns and model handles are immutable and safe
// to share, but each flow builds its own Lua-side wrappers.
func registerHelpers(L *lua.LState, models *model.Store) {
	mt := L.NewTypeMetatable(typeRegex)
	L.SetField(mt, "__index", L.NewFunction(regexIndex))

	regexTable := L.NewTable()
	L.SetField(regexTable, "compile", L.NewFunction(regexCompile))
	L.SetGlobal("regex", regexTable)

	L.SetGlobal("parse_dns", L.NewFunction(parseDNS))

	if models != nil && models.Len() > 0 {
		ud := L.NewUserData()
		ud.Value = models
		modelMT := L.NewTypeMetatable("censor.model")
		L.SetField(modelMT, "__index", L.NewFunction(modelIndex))
		L.SetMetatable(ud, modelMT)
		L.SetGlobal("model", ud)
	}
}

// regex.compile(pattern) -> matcher. A bad pattern raises, which the
// host counts as a script error on the offending packet (or fails the
// flow at initialization when compiled at top level).
func regexCompile(L *lua.LState) int {
	pattern := L.CheckString(1)
	re, err := regexp.Compile(pattern)
	if err != nil {
		L.RaiseError("invalid pattern: %v", err)
		return 0
	}
	ud := L.NewUserData()
	ud.Value = re
	L.SetMetatable(ud, L.GetTypeMetatable(typeRegex))
	L.Push(ud)
	return 1
}

func regexIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	re, ok := ud.Value.(*regexp.Regexp)
	if !ok {
		L.ArgError(1, "matcher expected")
		return 0
	}
	switch L.CheckString(2) {
	case "ismatch":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			data := L.CheckString(2)
			L.Push(lua.LBool(re.Match([]byte(data))))
			return 1
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// parse_dns(bytes) -> structured view, or nil for anything that does
// not unpack as DNS. Never raises.
func parseDNS(L *lua.LState) int {
	data := L.CheckString(1)
	msg := new(dns.Msg)
	if err := msg.Unpack([]byte(data)); err != nil {
		L.Push(lua.LNil)
		return 1
	}
	root := L.NewTable()
	L.SetField(root, "id", lua.LNumber(msg.Id))
	L.SetField(root, "response", lua.LBool(msg.Response))
	L.SetField(root, "opcode", lua.LNumber(msg.Opcode))
	L.SetField(root, "rcode", lua.LNumber(msg.Rcode))

	flags := L.NewTable()
	L.SetField(flags, "authoritative", lua.LBool(msg.Authoritative))
	L.SetField(flags, "truncated", lua.LBool(msg.Truncated))
	L.SetField(flags, "recursion_desired", lua.LBool(msg.RecursionDesired))
	L.SetField(flags, "recursion_available", lua.LBool(msg.RecursionAvailable))
	L.SetField(root, "flags", flags)

	questions := L.NewTable()
	for _, q := range msg.Question {
		entry := L.NewTable()
		L.SetField(entry, "name", lua.LString(q.Name))
		L.SetField(entry, "qtype", lua.LNumber(q.Qtype))
		L.SetField(entry, "qclass", lua.LNumber(q.Qclass))
		questions.Append(entry)
	}
	L.SetField(root, "questions", questions)

	L.SetField(root, "answers", rrTable(L, msg.Answer))
	L.SetField(root, "nameservers", rrTable(L, msg.Ns))
	L.SetField(root, "additionals", rrTable(L, msg.Extra))
	if opt := msg.IsEdns0(); opt != nil {
		optTable := L.NewTable()
		L.SetField(optTable, "udp_size", lua.LNumber(opt.UDPSize()))
		L.SetField(root, "opt", optTable)
	}
	L.Push(root)
	return 1
}

func rrTable(L *lua.LState, rrs []dns.RR) *lua.LTable {
	out := L.NewTable()
	for _, rr := range rrs {
		hdr := rr.Header()
		entry := L.NewTable()
		L.SetField(entry, "name", lua.LString(hdr.Name))
		L.SetField(entry, "type", lua.LNumber(hdr.Rrtype))
		L.SetField(entry, "class", lua.LNumber(hdr.Class))
		L.SetField(entry, "ttl", lua.LNumber(hdr.Ttl))
		L.SetField(entry, "data", lua.LString(rr.String()))
		out.Append(entry)
	}
	return out
}

// model.evaluate(name, {floats}) -> {floats}. Unknown names and shape
// mismatches raise script-visible errors.
func modelIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	store, ok := ud.Value.(*model.Store)
	if !ok {
		L.ArgError(1, "model store expected")
		return 0
	}
	switch L.CheckString(2) {
	case "evaluate":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			name := L.CheckString(2)
			input := L.CheckTable(3)
			features := make([]float32, 0, input.Len())
			input.ForEach(func(_, value lua.LValue) {
				if n, ok := value.(lua.LNumber); ok {
					features = append(features, float32(n))
				}
			})
			out, err := store.Evaluate(name, features)
			if err != nil {
				L.RaiseError("model evaluation failed: %v", err)
				return 0
			}
			result := L.NewTable()
			for _, f := range out {
				result.Append(lua.LNumber(f))
			}
			L.Push(result)
			return 1
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}
