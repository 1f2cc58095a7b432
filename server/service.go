package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"protorpc/controller"
)

// Handler runs one call. It reports the outcome by calling done exactly once,
// synchronously or from another goroutine: with the response message on
// success, or after ctrl.SetFailed for an application failure (the message
// passed to done is then ignored).
type Handler func(ctx context.Context, ctrl *controller.Controller, req proto.Message, done func(proto.Message))

// Method is one callable method of a service.
type Method struct {
	Name        string
	RequestType proto.Message // prototype: only its type is used
	Handler     Handler

	// Validate, if set, checks a decoded request before the handler sees it.
	// Requests that implement Validate() error themselves are checked too.
	Validate func(req proto.Message) error
}

// ServiceDesc describes a service to the server. It must not be modified once
// registered.
type ServiceDesc struct {
	Name    string
	Methods map[string]*Method
}

func (d *ServiceDesc) validate() error {
	if d == nil || d.Name == "" {
		return errors.New("server: service has no name")
	}
	for name, m := range d.Methods {
		if m == nil || m.RequestType == nil || m.Handler == nil {
			return fmt.Errorf("server: %s.%s needs a request type and a handler", d.Name, name)
		}
	}
	return nil
}

var (
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	controllerType = reflect.TypeOf((*controller.Controller)(nil))
	messageType    = reflect.TypeOf((*proto.Message)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// NewServiceDesc builds a descriptor from the exported methods of rcvr that
// look like
//
//	func (s *EchoService) Echo(ctx context.Context, ctrl *controller.Controller, req *pb.EchoRequest) (*pb.EchoResponse, error)
//
// where both messages are protobuf messages. The service is named after the
// receiver's type. Methods of any other shape are skipped. A returned error
// fails the call through ctrl (RPC_FAILED).
func NewServiceDesc(rcvr any) (*ServiceDesc, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	desc := &ServiceDesc{
		Name:    typ.Elem().Name(),
		Methods: make(map[string]*Method),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !isHandlerMethod(method.Type) {
			continue
		}
		desc.Methods[method.Name] = &Method{
			Name:        method.Name,
			RequestType: reflect.New(method.Type.In(3).Elem()).Interface().(proto.Message),
			Handler:     reflectHandler(val, method),
		}
	}
	if len(desc.Methods) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the form (ctx, *controller.Controller, *Request) (*Response, error)", desc.Name)
	}
	return desc, nil
}

// isHandlerMethod checks (receiver, ctx, ctrl, *Req) (*Resp, error).
func isHandlerMethod(t reflect.Type) bool {
	if t.NumIn() != 4 || t.NumOut() != 2 {
		return false
	}
	if t.In(1) != contextType || t.In(2) != controllerType || t.Out(1) != errorType {
		return false
	}
	req, resp := t.In(3), t.Out(0)
	return req.Kind() == reflect.Ptr && req.Implements(messageType) &&
		resp.Kind() == reflect.Ptr && resp.Implements(messageType)
}

func reflectHandler(rcvr reflect.Value, method reflect.Method) Handler {
	return func(ctx context.Context, ctrl *controller.Controller, req proto.Message, done func(proto.Message)) {
		args := [4]reflect.Value{rcvr, reflect.ValueOf(ctx), reflect.ValueOf(ctrl), reflect.ValueOf(req)}
		results := method.Func.Call(args[:])

		if !results[1].IsNil() {
			ctrl.SetFailed(results[1].Interface().(error).Error())
			done(nil)
			return
		}
		if results[0].IsNil() {
			done(nil)
			return
		}
		done(results[0].Interface().(proto.Message))
	}
}
