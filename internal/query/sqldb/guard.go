package sqldb

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var blockedFunctionPrefixes = []string{"pg_", "lo_", "dblink", "set_config"}

// CheckReadOnly rejects anything but a single query. Postgres statements are
// parsed; other dialects only get a keyword check.
func CheckReadOnly(driver, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return fmt.Errorf("sql is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return fmt.Errorf("sql contains invalid characters")
	}
	if driver == DriverPostgres {
		return checkPostgresSelect(trimmed)
	}
	return checkKeywordPrefix(trimmed)
}

func checkPostgresSelect(sqlText string) error {
	result, err := pg_query.Parse(sqlText)
	if err != nil {
		return fmt.Errorf("parse sql: %w", err)
	}
	if len(result.Stmts) == 0 {
		return fmt.Errorf("empty query")
	}
	if len(result.Stmts) > 1 {
		return fmt.Errorf("multiple statements are not allowed")
	}
	selectStmt := result.Stmts[0].Stmt.GetSelectStmt()
	if selectStmt == nil {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	return checkSelectStmt(selectStmt)
}

func checkSelectStmt(stmt *pg_query.SelectStmt) error {
	if stmt == nil {
		return nil
	}
	if stmt.IntoClause != nil {
		return fmt.Errorf("SELECT INTO is not allowed")
	}
	if len(stmt.LockingClause) > 0 {
		return fmt.Errorf("locking clauses are not allowed")
	}
	if stmt.WithClause != nil {
		for _, node := range stmt.WithClause.Ctes {
			cte := node.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			inner := cte.Ctequery.GetSelectStmt()
			if inner == nil {
				return fmt.Errorf("data-modifying WITH clauses are not allowed")
			}
			if err := checkSelectStmt(inner); err != nil {
				return err
			}
		}
	}
	if err := checkSelectStmt(stmt.Larg); err != nil {
		return err
	}
	if err := checkSelectStmt(stmt.Rarg); err != nil {
		return err
	}
	for _, node := range stmt.TargetList {
		if err := checkNode(node); err != nil {
			return err
		}
	}
	for _, node := range stmt.FromClause {
		if err := checkNode(node); err != nil {
			return err
		}
	}
	return checkNode(stmt.WhereClause)
}

func checkNode(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	switch {
	case node.GetResTarget() != nil:
		return checkNode(node.GetResTarget().Val)
	case node.GetFuncCall() != nil:
		fc := node.GetFuncCall()
		if err := checkFunctionName(fc); err != nil {
			return err
		}
		for _, arg := range fc.Args {
			if err := checkNode(arg); err != nil {
				return err
			}
		}
	case node.GetAExpr() != nil:
		if err := checkNode(node.GetAExpr().Lexpr); err != nil {
			return err
		}
		return checkNode(node.GetAExpr().Rexpr)
	case node.GetBoolExpr() != nil:
		for _, arg := range node.GetBoolExpr().Args {
			if err := checkNode(arg); err != nil {
				return err
			}
		}
	case node.GetSubLink() != nil:
		return checkSelectStmt(node.GetSubLink().Subselect.GetSelectStmt())
	case node.GetRangeSubselect() != nil:
		return checkSelectStmt(node.GetRangeSubselect().Subquery.GetSelectStmt())
	case node.GetJoinExpr() != nil:
		join := node.GetJoinExpr()
		if err := checkNode(join.Larg); err != nil {
			return err
		}
		if err := checkNode(join.Rarg); err != nil {
			return err
		}
		return checkNode(join.Quals)
	}
	return nil
}

func checkFunctionName(fc *pg_query.FuncCall) error {
	name := ""
	for _, part := range fc.Funcname {
		if s := part.GetString_(); s != nil {
			name = strings.ToLower(s.Sval)
		}
	}
	for _, prefix := range blockedFunctionPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("function %q is not allowed", name)
		}
	}
	return nil
}

func checkKeywordPrefix(sqlText string) error {
	if strings.Contains(stripTrailingSemicolons(sqlText), ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	fields := strings.Fields(strings.ToLower(sqlText))
	if len(fields) == 0 {
		return fmt.Errorf("empty query")
	}
	switch strings.TrimLeft(fields[0], "(") {
	case "select", "with":
		return nil
	default:
		return fmt.Errorf("only SELECT queries are allowed")
	}
}
