package python

// driverScript runs the cell read from stdin. A trailing expression is
// evaluated and its value reported, as in a notebook. The outcome is written
// as one JSON object to file descriptor 3 so it never mixes with user output.
const driverScript = `
import ast, json, os, sys, traceback

src = sys.stdin.read()
out = os.fdopen(3, "w")
ns = {"__name__": "__main__"}
try:
    tree = ast.parse(src, "<cell>", "exec")
    last = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        last = ast.Expression(tree.body.pop().value)
    exec(compile(tree, "<cell>", "exec"), ns)
    value = None
    if last is not None:
        value = eval(compile(last, "<cell>", "eval"), ns)
    try:
        json.dumps(value)
    except (TypeError, ValueError):
        value = repr(value)
    sys.stdout.flush()
    sys.stderr.flush()
    out.write(json.dumps({"ok": True, "result": value}))
except BaseException:
    sys.stdout.flush()
    sys.stderr.flush()
    out.write(json.dumps({"ok": False, "error": traceback.format_exc()}))
out.close()
`

// inspectScript reports the interpreter version, its standard library module
// names and the distributions it can already import.
const inspectScript = `
import json, platform, sys
names = sorted(getattr(sys, "stdlib_module_names", ()))
try:
    from importlib import metadata
    dists = sorted({d.metadata["Name"] for d in metadata.distributions() if d.metadata["Name"]})
except Exception:
    dists = []
print(json.dumps({
    "version": platform.python_implementation() + " " + platform.python_version(),
    "stdlib": names,
    "distributions": dists,
}))
`

// driverResult is the JSON object the driver writes to fd 3.
type driverResult struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
	Error  string `json:"error"`
}

type interpreterInfo struct {
	Version       string   `json:"version"`
	Stdlib        []string `json:"stdlib"`
	Distributions []string `json:"distributions"`
}
