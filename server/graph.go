package server

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
)

//go:embed schema.graphqls
var schemaSource string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSource})

// executableSchema runs GraphQL operations against the resolvers. Resolver
// results are encoded through their JSON form and then shaped to the
// selection set, so the schema's field names follow the models' json tags.
type executableSchema struct {
	log          logx.Logger
	query        *queryResolver
	mutation     *mutationResolver
	subscription *subscriptionResolver
}

func newExecutableSchema(r *Resolver) *executableSchema {
	return &executableSchema{
		log:          r.log,
		query:        r.Query(),
		mutation:     r.Mutation(),
		subscription: r.Subscription(),
	}
}

// graphqlHandler serves queries and mutations over HTTP and subscriptions
// over websocket.
func (r *Resolver) graphqlHandler() gin.HandlerFunc {
	srv := handler.New(newExecutableSchema(r))
	srv.AddTransport(transport.Websocket{
		KeepAlivePingInterval: 10 * time.Second,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	})
	srv.AddTransport(transport.Options{})
	srv.AddTransport(transport.GET{})
	srv.AddTransport(transport.POST{})

	return func(c *gin.Context) {
		srv.ServeHTTP(c.Writer, c.Request)
	}
}

func (e *executableSchema) Schema() *ast.Schema {
	return parsedSchema
}

func (e *executableSchema) Complexity(typeName, fieldName string, childComplexity int, args map[string]interface{}) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	rc := graphql.GetOperationContext(ctx)
	switch rc.Operation.Operation {
	case ast.Query:
		return e.once(rc, "Query")
	case ast.Mutation:
		return e.once(rc, "Mutation")
	case ast.Subscription:
		return e.subscribe(ctx, rc)
	default:
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unsupported GraphQL operation"))
	}
}

// once resolves the root fields one after another, so mutations apply in
// document order.
func (e *executableSchema) once(rc *graphql.OperationContext, root string) graphql.ResponseHandler {
	done := false
	return func(ctx context.Context) *graphql.Response {
		if done {
			return nil
		}
		done = true

		var (
			buf      bytes.Buffer
			errs     gqlerror.List
			nullData bool
		)
		buf.WriteByte('{')
		for i, f := range graphql.CollectFields(rc, rc.Operation.SelectionSet, []string{root}) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, f.Alias)
			buf.WriteByte(':')
			if f.Name == "__typename" {
				writeString(&buf, root)
				continue
			}
			value, err := e.resolve(ctx, root, f, rc.Variables)
			if err != nil {
				errs = append(errs, e.fieldError(f, err))
				nullData = nullData || f.Definition.Type.NonNull
				buf.WriteString("null")
				continue
			}
			if err := e.write(&buf, rc, value, f.Definition.Type, f.Selections); err != nil {
				errs = append(errs, e.fieldError(f, err))
				nullData = true
			}
		}
		buf.WriteByte('}')

		if nullData {
			return &graphql.Response{Data: json.RawMessage("null"), Errors: errs}
		}
		return &graphql.Response{Data: buf.Bytes(), Errors: errs}
	}
}

func (e *executableSchema) subscribe(ctx context.Context, rc *graphql.OperationContext) graphql.ResponseHandler {
	fields := graphql.CollectFields(rc, rc.Operation.SelectionSet, []string{"Subscription"})
	if len(fields) != 1 {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "a subscription must select exactly one field"))
	}
	f := fields[0]
	if f.Name != "events" {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unknown subscription %q", f.Name))
	}
	events, err := e.subscription.Events(ctx)
	if err != nil {
		return graphql.OneShot(&graphql.Response{Errors: gqlerror.List{e.fieldError(f, err)}})
	}

	return func(ctx context.Context) *graphql.Response {
		var (
			ev map[string]interface{}
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}

		var buf bytes.Buffer
		buf.WriteByte('{')
		writeString(&buf, f.Alias)
		buf.WriteByte(':')
		if err := e.write(&buf, rc, ev, f.Definition.Type, f.Selections); err != nil {
			return &graphql.Response{Data: json.RawMessage("null"), Errors: gqlerror.List{e.fieldError(f, err)}}
		}
		buf.WriteByte('}')
		return &graphql.Response{Data: buf.Bytes()}
	}
}

func (e *executableSchema) resolve(ctx context.Context, root string, f graphql.CollectedField, vars map[string]interface{}) (interface{}, error) {
	args := f.ArgumentMap(vars)
	switch root + "." + f.Name {
	case "Query.plant":
		id, err := idArg(args, "id")
		if err != nil {
			return nil, err
		}
		return e.query.Plant(ctx, id)
	case "Query.windowStatus":
		id, err := idArg(args, "plantId")
		if err != nil {
			return nil, err
		}
		return e.query.WindowStatus(ctx, id)
	case "Query.plantStats":
		id, err := idArg(args, "plantId")
		if err != nil {
			return nil, err
		}
		return e.query.PlantStats(ctx, id)
	case "Mutation.startWatering":
		id, err := idArg(args, "plantId")
		if err != nil {
			return nil, err
		}
		return e.mutation.StartWatering(ctx, id)
	case "Mutation.stopWatering":
		id, err := idArg(args, "plantId")
		if err != nil {
			return nil, err
		}
		duration, err := intArg(args, "duration")
		if err != nil {
			return nil, err
		}
		return e.mutation.StopWatering(ctx, id, duration)
	case "Mutation.evaluate":
		return e.mutation.Evaluate(ctx)
	default:
		return nil, fmt.Errorf("field %s.%s is not supported", root, f.Name)
	}
}

// write encodes value, already resolved, as the GraphQL result of typ for the
// selection set sel.
func (e *executableSchema) write(buf *bytes.Buffer, rc *graphql.OperationContext, value interface{}, typ *ast.Type, sel ast.SelectionSet) error {
	generic, err := toGeneric(value)
	if err != nil {
		return err
	}
	e.writeValue(buf, rc, generic, typ, sel)
	return nil
}

func (e *executableSchema) writeValue(buf *bytes.Buffer, rc *graphql.OperationContext, v interface{}, typ *ast.Type, sel ast.SelectionSet) {
	if typ.Elem != nil {
		items, _ := v.([]interface{})
		if items == nil && !typ.NonNull {
			buf.WriteString("null")
			return
		}
		buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.writeValue(buf, rc, item, typ.Elem, sel)
		}
		buf.WriteByte(']')
		return
	}
	if v == nil {
		buf.WriteString("null")
		return
	}

	def := parsedSchema.Types[typ.NamedType]
	if def == nil || def.Kind != ast.Object {
		writeScalar(buf, v, typ.NamedType)
		return
	}
	obj, _ := v.(map[string]interface{})
	buf.WriteByte('{')
	for i, f := range graphql.CollectFields(rc, sel, []string{def.Name}) {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, f.Alias)
		buf.WriteByte(':')
		if f.Name == "__typename" {
			writeString(buf, def.Name)
			continue
		}
		e.writeValue(buf, rc, obj[f.Name], f.Definition.Type, f.Selections)
	}
	buf.WriteByte('}')
}

// toGeneric turns a resolver result into maps, slices and json.Number
// values through its JSON encoding.
func toGeneric(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeScalar(buf *bytes.Buffer, v interface{}, scalar string) {
	if scalar == "ID" {
		writeString(buf, fmt.Sprint(v))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(data)
}

func writeString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

func (e *executableSchema) fieldError(f graphql.CollectedField, err error) *gqlerror.Error {
	status, message := classify(err)
	switch status {
	case http.StatusInternalServerError:
		e.log.Error("graphql field failed", logx.String("field", f.Name), logx.Err(err))
	case http.StatusBadRequest:
		message = message + ": " + err.Error()
	}
	return &gqlerror.Error{
		Message:    message,
		Path:       ast.Path{ast.PathName(f.Alias)},
		Extensions: map[string]interface{}{"code": errorCode(status)},
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusBadRequest:
		return "BAD_USER_INPUT"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

func idArg(args map[string]interface{}, name string) (uint64, error) {
	var raw string
	switch v := args[name].(type) {
	case string:
		raw = v
	case json.Number:
		raw = v.String()
	case int64:
		raw = strconv.FormatInt(v, 10)
	case int:
		raw = strconv.Itoa(v)
	default:
		return 0, fmt.Errorf("%w: %s must be an id", errBadArgument, name)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %s %q is not an id", errBadArgument, name, raw)
	}
	return id, nil
}

func intArg(args map[string]interface{}, name string) (*int, error) {
	var n int
	switch v := args[name].(type) {
	case nil:
		return nil, nil
	case int64:
		n = int(v)
	case int:
		n = v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errBadArgument, name, err)
		}
		n = int(i)
	case float64:
		n = int(v)
	default:
		return nil, fmt.Errorf("%w: %s must be an integer", errBadArgument, name)
	}
	return &n, nil
}
