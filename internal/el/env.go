package el

// Env is the expression environment exposed to templates. Field names are
// addressed through their expr tags, e.g. request.headers["X-Api-Key"] or
// context.attributes["plan"].
type Env struct {
	Request  RequestEnv  `expr:"request"`
	Response ResponseEnv `expr:"response"`
	Context  ContextEnv  `expr:"context"`
	API      APIEnv      `expr:"api"`
}

// RequestEnv provides request fields. Header keys are canonical MIME keys and
// hold the first value.
type RequestEnv struct {
	ID            string            `expr:"id"`
	TransactionID string            `expr:"transactionId"`
	Method        string            `expr:"method"`
	Scheme        string            `expr:"scheme"`
	Host          string            `expr:"host"`
	Path          string            `expr:"path"`
	PathInfo      string            `expr:"pathInfo"`
	ContextPath   string            `expr:"contextPath"`
	RemoteAddress string            `expr:"remoteAddress"`
	Headers       map[string]string `expr:"headers"`
	Params        map[string]string `expr:"params"`
	PathParams    map[string]string `expr:"pathParams"`
	Content       string            `expr:"content"`
	Timestamp     int64             `expr:"timestamp"`
}

// ResponseEnv provides response fields, populated once the backend answered.
type ResponseEnv struct {
	Status  int               `expr:"status"`
	Headers map[string]string `expr:"headers"`
	Content string            `expr:"content"`
}

// ContextEnv exposes the policy-visible attributes.
type ContextEnv struct {
	Attributes map[string]any `expr:"attributes"`
}

// APIEnv exposes the deployed API definition.
type APIEnv struct {
	ID         string            `expr:"id"`
	Name       string            `expr:"name"`
	Version    string            `expr:"version"`
	Properties map[string]string `expr:"properties"`
}
