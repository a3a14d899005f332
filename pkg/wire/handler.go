package wire

import (
	"fmt"
	"reflect"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Handler holds the reflected form of a typed handler func.
//
// Supported shapes:
//
//	func(Msg) error                       client subscription
//	func(Req) (Resp, error)               client handler for server requests
//	func(Handle, Req) (Resp, error)       server request handler
//	func(Handle, Req) error               server request / publish handler
type Handler struct {
	Func     reflect.Value
	ArgType  reflect.Type
	RespType reflect.Type
	WithPeer bool
}

// NewHandler inspects fn and validates its signature.
func NewHandler(fn any) (*Handler, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %T", fn)
	}
	ft := fv.Type()
	if ft.NumOut() == 0 || ft.NumOut() > 2 || ft.Out(ft.NumOut()-1) != errType {
		return nil, fmt.Errorf("handler must return error as its last result: %s", ft)
	}
	h := &Handler{Func: fv}
	switch ft.NumIn() {
	case 1:
		h.ArgType = ft.In(0)
	case 2:
		h.WithPeer = true
		h.ArgType = ft.In(1)
	default:
		return nil, fmt.Errorf("handler must take one payload argument and an optional peer handle: %s", ft)
	}
	if isInterface(h.ArgType) {
		return nil, fmt.Errorf("handler payload type cannot be an interface: %s", ft)
	}
	if ft.NumOut() == 2 {
		h.RespType = ft.Out(0)
	}
	return h, nil
}

func isInterface(t reflect.Type) bool {
	return t.Kind() == reflect.Interface || (t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Interface)
}

// Call decodes env's payload into the handler's argument type and invokes it.
// peer is passed as the first argument for two-argument handlers. The returned
// response is nil for handlers without a response result.
func (h *Handler) Call(peer any, env *Envelope) (any, error) {
	arg, err := h.decodeArg(env)
	if err != nil {
		return nil, Errorf(400, "invalid payload for %q: %v", env.Topic, err)
	}
	in := []reflect.Value{arg}
	if h.WithPeer {
		in = []reflect.Value{reflect.ValueOf(peer), arg}
	}
	out := h.Func.Call(in)
	if errVal := out[len(out)-1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if h.RespType == nil {
		return nil, nil
	}
	return out[0].Interface(), nil
}

func (h *Handler) decodeArg(env *Envelope) (reflect.Value, error) {
	if h.ArgType.Kind() == reflect.Ptr {
		v := reflect.New(h.ArgType.Elem())
		if err := env.DecodePayload(v.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return v, nil
	}
	v := reflect.New(h.ArgType)
	if err := env.DecodePayload(v.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return v.Elem(), nil
}
