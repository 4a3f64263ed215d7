package validator

import "strings"

// Rule names a category of forbidden construct.
type Rule string

const (
	RuleSyntax                Rule = "syntax"
	RuleImport                Rule = "import"
	RuleDynamicEval           Rule = "dynamic-eval"
	RuleFilesystem            Rule = "filesystem"
	RuleProcess               Rule = "process"
	RuleNetwork               Rule = "network"
	RuleUnsafeDeserialization Rule = "unsafe-deserialization"
	RuleAttribute             Rule = "attribute"
	RuleUnknownName           Rule = "unknown-name"
)

// forbiddenNames maps identifiers to the rule they violate wherever they
// appear as a reference.
var forbiddenNames = map[string]Rule{
	"__import__":    RuleImport,
	"importlib":     RuleImport,
	"import_module": RuleImport,

	"eval":         RuleDynamicEval,
	"exec":         RuleDynamicEval,
	"compile":      RuleDynamicEval,
	"getattr":      RuleDynamicEval,
	"setattr":      RuleDynamicEval,
	"delattr":      RuleDynamicEval,
	"hasattr":      RuleDynamicEval,
	"globals":      RuleDynamicEval,
	"locals":       RuleDynamicEval,
	"vars":         RuleDynamicEval,
	"dir":          RuleDynamicEval,
	"breakpoint":   RuleDynamicEval,
	"input":        RuleDynamicEval,
	"__builtins__": RuleDynamicEval,

	"open":       RuleFilesystem,
	"file":       RuleFilesystem,
	"remove":     RuleFilesystem,
	"unlink":     RuleFilesystem,
	"rmdir":      RuleFilesystem,
	"rename":     RuleFilesystem,
	"write_file": RuleFilesystem,
	"read_file":  RuleFilesystem,
	"chmod":      RuleFilesystem,
	"makedirs":   RuleFilesystem,
	"mkdir":      RuleFilesystem,
	"os":         RuleFilesystem,
	"shutil":     RuleFilesystem,
	"pathlib":    RuleFilesystem,
	"tempfile":   RuleFilesystem,
	"io":         RuleFilesystem,

	"subprocess":      RuleProcess,
	"system":          RuleProcess,
	"popen":           RuleProcess,
	"spawn":           RuleProcess,
	"fork":            RuleProcess,
	"kill":            RuleProcess,
	"exit":            RuleProcess,
	"quit":            RuleProcess,
	"sys":             RuleProcess,
	"signal":          RuleProcess,
	"multiprocessing": RuleProcess,
	"threading":       RuleProcess,
	"ctypes":          RuleProcess,

	"socket":   RuleNetwork,
	"requests": RuleNetwork,
	"urllib":   RuleNetwork,
	"http":     RuleNetwork,
	"httpx":    RuleNetwork,
	"ftplib":   RuleNetwork,
	"smtplib":  RuleNetwork,
	"urlopen":  RuleNetwork,

	"pickle":      RuleUnsafeDeserialization,
	"cPickle":     RuleUnsafeDeserialization,
	"marshal":     RuleUnsafeDeserialization,
	"shelve":      RuleUnsafeDeserialization,
	"dill":        RuleUnsafeDeserialization,
	"cloudpickle": RuleUnsafeDeserialization,
	"joblib":      RuleUnsafeDeserialization,
}

// forbiddenAttrs maps attribute names to rules for receivers that are not
// library handles. List and dict methods (remove, pop, clear) stay legal.
var forbiddenAttrs = map[string]Rule{
	"unlink":      RuleFilesystem,
	"rmtree":      RuleFilesystem,
	"write_text":  RuleFilesystem,
	"write_bytes": RuleFilesystem,
	"chmod":       RuleFilesystem,

	"system": RuleProcess,
	"popen":  RuleProcess,
	"fork":   RuleProcess,
	"kill":   RuleProcess,

	"connect": RuleNetwork,
	"urlopen": RuleNetwork,
	"request": RuleNetwork,

	"loads": RuleUnsafeDeserialization,
	"load":  RuleUnsafeDeserialization,
}

func attrRule(attr string) (Rule, bool) {
	if r, ok := forbiddenAttrs[attr]; ok {
		return r, true
	}
	if strings.HasPrefix(attr, "exec") || strings.HasPrefix(attr, "spawn") {
		return RuleProcess, true
	}
	if isDunder(attr) {
		return RuleDynamicEval, true
	}
	return "", false
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

var ruleMessages = map[Rule]string{
	RuleImport:                "imports are not allowed; libraries are pre-bound",
	RuleDynamicEval:           "dynamic evaluation and reflection are not allowed",
	RuleFilesystem:            "filesystem access is not allowed; use fetch_* and upload_result",
	RuleProcess:               "process control is not allowed",
	RuleNetwork:               "network access is not allowed; use fetch_* and upload_result",
	RuleUnsafeDeserialization: "unsafe deserialization is not allowed; use json.decode",
}
