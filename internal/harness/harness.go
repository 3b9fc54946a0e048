// Package harness runs connector scripts in an isolated JavaScript runtime.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"connectorrunner/internal/capture"
	"connectorrunner/internal/fetch"
	"connectorrunner/internal/pageapi"
)

// ConnectorError is a failure raised by connector code. Message is what
// the parent process gets to see.
type ConnectorError struct {
	Message string
}

func (e *ConnectorError) Error() string { return e.Message }

// Script is a loaded connector.
type Script struct {
	Name   string
	Source string
}

func Load(path string) (Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read connector: %w", err)
	}
	return Script{Name: path, Source: string(raw)}, nil
}

type Harness struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Harness {
	if log == nil {
		log = zap.NewNop()
	}
	return &Harness{log: log.Named("harness")}
}

// Run evaluates the script in a fresh runtime, calls its entry function
// with the page object and waits for the result to settle. A result of the
// form {success: true, data} is unwrapped to data.
//
// The entry function is module.exports when that is a function, otherwise
// the script's completion value. A completion value that is a promise is
// awaited directly, for scripts that drive the global page themselves.
func (h *Harness) Run(ctx context.Context, script Script, api *pageapi.API) (interface{}, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	r := &runtime{vm: vm, ctx: ctx, api: api, log: h.log.With(zap.String("connector", script.Name))}
	page, err := r.setup()
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("run cancelled")
		case <-stop:
		}
	}()

	result, err := r.execute(script, page)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

type runtime struct {
	vm     *goja.Runtime
	module *goja.Object
	ctx    context.Context
	api    *pageapi.API
	log    *zap.Logger
}

func (r *runtime) setup() (goja.Value, error) {
	vm := r.vm
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, err
		}
	}

	r.module = vm.NewObject()
	exports := vm.NewObject()
	_ = r.module.Set("exports", exports)
	_ = vm.Set("module", r.module)
	_ = vm.Set("exports", exports)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, r.consoleFunc(level))
	}
	_ = vm.Set("console", console)
	_ = vm.Set("setTimeout", r.setTimeout)
	_ = vm.Set("clearTimeout", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	build, err := vm.RunString(prelude)
	if err != nil {
		return nil, fmt.Errorf("compile page prelude: %w", err)
	}
	fn, ok := goja.AssertFunction(build)
	if !ok {
		return nil, errors.New("page prelude is not a function")
	}
	page, err := fn(goja.Undefined(), r.hostObject())
	if err != nil {
		return nil, fmt.Errorf("build page object: %w", err)
	}
	_ = vm.Set("page", page)
	return page, nil
}

func (r *runtime) execute(script Script, page goja.Value) (interface{}, error) {
	completion, err := r.vm.RunScript(script.Name, script.Source)
	if err != nil {
		return nil, errorFrom(err)
	}

	var ret goja.Value
	if entry, ok := goja.AssertFunction(r.module.Get("exports")); ok {
		ret, err = entry(goja.Undefined(), page)
	} else if entry, ok := goja.AssertFunction(completion); ok {
		ret, err = entry(goja.Undefined(), page)
	} else if isPromise(completion) {
		ret = completion
	} else {
		return nil, &ConnectorError{Message: "connector must export a function taking the page object"}
	}
	if err != nil {
		return nil, errorFrom(err)
	}

	settled, err := r.settle(ret)
	if err != nil {
		return nil, err
	}
	return r.unwrap(settled), nil
}

func isPromise(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(*goja.Promise)
	return ok
}

func (r *runtime) settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, &ConnectorError{Message: messageOf(p.Result())}
	default:
		return nil, &ConnectorError{Message: "connector returned a promise that never settled"}
	}
}

// unwrap applies the {success: true, data} convention.
func (r *runtime) unwrap(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if obj, ok := v.(*goja.Object); ok {
		success, data := obj.Get("success"), obj.Get("data")
		if success != nil && success.ToBoolean() && data != nil && data.ToBoolean() {
			return export(data)
		}
	}
	return export(v)
}

func errorFrom(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if msg := messageOfValue(ex.Value()); msg != "" {
			return &ConnectorError{Message: msg}
		}
		return &ConnectorError{Message: ex.Error()}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return context.Canceled
	}
	return &ConnectorError{Message: err.Error()}
}

func messageOf(v goja.Value) string {
	if msg := messageOfValue(v); msg != "" {
		return msg
	}
	return "connector failed"
}

// messageOfValue prefers an Error's message over its string form.
func messageOfValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && !goja.IsNull(m) {
			return m.String()
		}
	}
	return v.String()
}

func (r *runtime) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")
		switch level {
		case "error":
			r.log.Error(msg)
		case "warn":
			r.log.Warn(msg)
		case "debug":
			r.log.Debug(msg)
		default:
			r.log.Info(msg)
		}
		return goja.Undefined()
	}
}

// setTimeout blocks for the delay and then calls fn, which is enough for
// the await-a-timer idiom connectors use.
func (r *runtime) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if err := r.api.Sleep(r.ctx, delay); err != nil {
		panic(r.vm.NewGoError(err))
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = call.Arguments[2:]
	}
	if _, err := fn(goja.Undefined(), args...); err != nil {
		panic(err)
	}
	return r.vm.ToValue(0)
}

func (r *runtime) hostObject() *goja.Object {
	vm, api, ctx := r.vm, r.api, r.ctx
	host := vm.NewObject()

	_ = host.Set("goto", func(url string) error {
		return api.Goto(ctx, url)
	})
	_ = host.Set("evaluate", func(expression string) (interface{}, error) {
		return api.Evaluate(ctx, expression)
	})
	_ = host.Set("sleep", func(ms goja.Value) error {
		return api.Sleep(ctx, time.Duration(ms.ToInteger())*time.Millisecond)
	})
	_ = host.Set("setData", func(key string, value goja.Value) {
		api.SetData(key, export(value))
	})
	_ = host.Set("setProgress", func(v goja.Value) {
		var p pageapi.Progress
		if err := vm.ExportTo(v, &p); err != nil {
			obj := v.ToObject(vm)
			p = pageapi.Progress{Phase: export(obj.Get("phase")), Count: export(obj.Get("count"))}
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				p.Message = m.String()
			}
		}
		p.Phase, p.Count = plain(p.Phase), plain(p.Count)
		api.SetProgress(p)
	})
	_ = host.Set("promptStarted", func(message string) {
		api.PromptStarted(message)
	})
	_ = host.Set("promptDone", func() {
		api.PromptDone()
	})
	_ = host.Set("captureNetwork", func(v goja.Value) error {
		var reg capture.Registration
		if err := vm.ExportTo(v, &reg); err != nil {
			return fmt.Errorf("captureNetwork: %w", err)
		}
		if reg.Key == "" {
			return errors.New("captureNetwork requires a key")
		}
		api.CaptureNetwork(reg)
		return nil
	})
	_ = host.Set("getCapturedResponse", func(key string) goja.Value {
		c := api.GetCapturedResponse(key)
		if c == nil {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{"url": c.URL, "data": plain(c.Data), "timestamp": c.Timestamp})
	})
	_ = host.Set("hasCapturedResponse", func(key string) bool {
		return api.HasCapturedResponse(key)
	})
	_ = host.Set("clearNetworkCaptures", func() {
		api.ClearNetworkCaptures()
	})
	_ = host.Set("closeBrowser", func() error {
		return api.CloseBrowser(ctx)
	})
	_ = host.Set("showBrowser", func(url string) error {
		return api.ShowBrowser(ctx, url)
	})
	_ = host.Set("goHeadless", func(url string) error {
		return api.GoHeadless(ctx, url)
	})
	_ = host.Set("httpFetch", func(url string, v goja.Value) goja.Value {
		var opts fetch.Options
		if err := vm.ExportTo(v, &opts); err != nil {
			msg := err.Error()
			return vm.ToValue(resultObject(fetch.Result{Headers: map[string]string{}, Error: &msg}))
		}
		return vm.ToValue(resultObject(api.HTTPFetch(ctx, url, opts)))
	})
	return host
}

func export(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return plain(v.Export())
}

// plain rebuilds an exported value the way JSON.stringify sees it:
// non-finite numbers become null, functions are left out of objects and
// become null in arrays. Maps and slices are always copied.
func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return plain(float64(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			if isFunc(e) {
				continue
			}
			out[k] = plain(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	}
	if isFunc(v) {
		return nil
	}
	return v
}

func isFunc(v interface{}) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

func resultObject(res fetch.Result) map[string]interface{} {
	var errValue interface{}
	if res.Error != nil {
		errValue = *res.Error
	}
	headers := make(map[string]interface{}, len(res.Headers))
	for k, v := range res.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"ok":      res.OK,
		"status":  res.Status,
		"headers": headers,
		"text":    res.Text,
		"json":    res.JSON,
		"error":   errValue,
	}
}
