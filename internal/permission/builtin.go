package permission

import (
	"regexp"
	"strings"
)

var (
	secretPathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\.env$`),
		regexp.MustCompile(`\.ssh/`),
		regexp.MustCompile(`\.aws/`),
		regexp.MustCompile(`\.docker/`),
		regexp.MustCompile(`id_rsa`),
		regexp.MustCompile(`id_ed25519`),
		regexp.MustCompile(`\.pem$`),
		regexp.MustCompile(`\.key$`),
		regexp.MustCompile(`(?i)secrets?\.`),
		regexp.MustCompile(`(?i)password`),
		regexp.MustCompile(`(?i)token`),
	}

	systemPathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/etc/`),
		regexp.MustCompile(`^/usr/bin/`),
		regexp.MustCompile(`^/bin/`),
	}

	gitForcePushRe  = regexp.MustCompile(`\bgit\b.*\bpush\b.*(--force\b|-f\b)`)
	gitResetHardRe  = regexp.MustCompile(`\bgit\b.*\breset\b.*--hard\b`)
	ddDangerousRe   = regexp.MustCompile(`\bdd\b.*\bof=(/dev/|/disk)`)
	sqlDropTableRe  = regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`)
	sqlDeleteNoWhereRe = regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+\S+`)
	sqlWhereRe      = regexp.MustCompile(`(?i)\bWHERE\b`)
	shutdownRe      = regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`)
	gitReadonlyRe   = regexp.MustCompile(`\bgit\b\s+(status|diff|log|show|add|commit)\b`)

	rmCommandRe = regexp.MustCompile(`\brm\b[^|;&]*`)
	// longRecursiveRe and longForceRe recognize --recursive / --force
	// anywhere in an rm segment.
	longRecursiveRe = regexp.MustCompile(`--recursive\b`)
	longForceRe     = regexp.MustCompile(`--force\b`)
	// shortFlagClusterRe matches any -<letters> token; we then inspect its
	// letters for both an r/R and an f/F, so -rf, -fr, -rRf, etc. all match
	// regardless of order or interleaving with other flags.
	shortFlagClusterRe = regexp.MustCompile(`(?:^|\s)-[A-Za-z]+`)
)

func commandArg(ctx Context) string {
	for _, key := range []string{"command", "cmd"} {
		if v, ok := ctx.Args[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// argsBlob flattens every string-valued argument into one blob for rules
// that need to scan all arguments (e.g. SQL statements may arrive under
// a "query" key rather than "command").
func argsBlob(ctx Context) string {
	var b strings.Builder
	for _, v := range ctx.Args {
		if s, ok := v.(string); ok {
			b.WriteString(s)
			b.WriteString(" ")
		}
	}
	return b.String()
}

// rmHasRecursiveAndForce splits cmd on shell-segment separators to
// isolate the rm-bearing segment, then checks whether both a recursive
// and a force flag are present — long-form or as any letters within a
// short-flag cluster — without substring-matching the literal "-rf".
func rmHasRecursiveAndForce(cmd string) bool {
	for _, seg := range rmCommandRe.FindAllString(cmd, -1) {
		recursive := longRecursiveRe.MatchString(seg)
		force := longForceRe.MatchString(seg)
		for _, cluster := range shortFlagClusterRe.FindAllString(seg, -1) {
			if strings.ContainsAny(cluster, "rR") {
				recursive = true
			}
			if strings.ContainsAny(cluster, "fF") {
				force = true
			}
		}
		if recursive && force {
			return true
		}
	}
	return false
}

func sqlDeleteWithoutWhere(blob string) bool {
	matches := sqlDeleteNoWhereRe.FindAllStringIndex(blob, -1)
	for _, m := range matches {
		// The statement from the DELETE keyword to the next statement
		// terminator (or end of string) must not contain WHERE.
		stmt := blob[m[0]:]
		if end := strings.IndexAny(stmt, ";\n"); end >= 0 {
			stmt = stmt[:end]
		}
		if !sqlWhereRe.MatchString(stmt) {
			return true
		}
	}
	return false
}

func builtinRules(extraReadDirs []string) []Rule {
	return []Rule{
		{
			Name:       "deny-git-force-push",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked force push",
			Predicate: func(ctx Context) bool {
				return gitForcePushRe.MatchString(commandArg(ctx))
			},
		},
		{
			Name:       "deny-git-reset-hard",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked git reset --hard",
			Predicate: func(ctx Context) bool {
				return gitResetHardRe.MatchString(commandArg(ctx))
			},
		},
		{
			Name:       "deny-rm-recursive-force",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked recursive delete",
			Predicate: func(ctx Context) bool {
				return rmHasRecursiveAndForce(commandArg(ctx))
			},
		},
		{
			Name:       "deny-dd-device",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked dd to a device or disk",
			Predicate: func(ctx Context) bool {
				return ddDangerousRe.MatchString(commandArg(ctx))
			},
		},
		{
			Name:       "deny-sql-drop-table",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked DROP TABLE",
			Predicate: func(ctx Context) bool {
				return sqlDropTableRe.MatchString(argsBlob(ctx))
			},
		},
		{
			Name:       "deny-sql-delete-no-where",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked unscoped DELETE",
			Predicate: func(ctx Context) bool {
				return sqlDeleteWithoutWhere(argsBlob(ctx))
			},
		},
		{
			Name:       "deny-shutdown-commands",
			ToolNameRe: compileToolPattern("*"),
			Action:     Deny,
			LogMessage: "Blocked system shutdown command",
			Predicate: func(ctx Context) bool {
				return shutdownRe.MatchString(commandArg(ctx))
			},
		},
		{
			Name:       "allow-git-readonly",
			ToolNameRe: compileToolPattern("*"),
			Action:     Allow,
			LogMessage: "Allowed read-only git command",
			Predicate: func(ctx Context) bool {
				return gitReadonlyRe.MatchString(commandArg(ctx))
			},
		},
		{
			Name:       "allow-file-read",
			ToolNameRe: compileToolPattern("Read"),
			Action:     Allow,
			PathScope: &PathScope{
				WorkspaceScoped: true,
				AllowedDirs:     extraReadDirs,
				BlockedRegexp:   secretPathPatterns,
			},
		},
		{
			Name:       "allow-file-write",
			ToolNameRe: regexp.MustCompile("^(Write|Edit)$"),
			Action:     Allow,
			PathScope: &PathScope{
				WorkspaceScoped: true,
				AllowedDirs:     extraReadDirs,
				BlockedRegexp:   append(append([]*regexp.Regexp{}, secretPathPatterns...), systemPathPatterns...),
			},
		},
		{
			Name:       "ask-shell-and-network",
			ToolNameRe: regexp.MustCompile("^(Bash|FetchURL|WebSearch)$"),
			Action:     Ask,
			LogMessage: "Requires operator approval",
		},
	}
}
