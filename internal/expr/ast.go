// Package expr implements the memory-inspection expression language.
//
// The grammar is small and prefix-driven (prefixes are case-sensitive):
//
//	m<addr-expr>,<length>      read <length> bytes at <addr-expr>
//	M<addr-expr>=<hex-bytes>   write bytes at <addr-expr>, dump the region
//
// <addr-expr> is a decimal literal, a $- or 0x-prefixed hex literal, or
// ${name} where name is a CPU register or a symbolic name. Substitution
// happens once per evaluation, before the memory command is dispatched.
package expr

import (
	"fmt"
)

// Node is a parsed expression: either *Read or *Write.
type Node interface {
	exprNode()
}

// AddrExpr is an address operand: either *Literal or *Substitution.
type AddrExpr interface {
	addrNode()
	// Token returns the source text of the operand, used verbatim in
	// evaluation errors.
	Token() string
}

// Literal is a numeric address.
type Literal struct {
	Value uint32
	text  string
}

func (*Literal) addrNode()       {}
func (l *Literal) Token() string { return l.text }

// Substitution is a ${name} operand resolved against the register snapshot
// or the symbol table at evaluation time.
type Substitution struct {
	Name string
	text string
}

func (*Substitution) addrNode()       {}
func (s *Substitution) Token() string { return s.text }

// Read is a m<addr>,<length> expression.
type Read struct {
	Addr   AddrExpr
	Length int
}

func (*Read) exprNode() {}

// Write is a M<addr>=<bytes> expression.
type Write struct {
	Addr AddrExpr
	Data []byte
}

func (*Write) exprNode() {}

// EvaluationError reports a failed evaluation along with the token that
// caused it. The evaluator never substitutes zero or guesses; any
// unresolvable token fails the whole expression.
type EvaluationError struct {
	Token  string
	Reason string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot evaluate %q: %v", e.Token, e.Err)
	}
	return fmt.Sprintf("cannot evaluate %q: %s", e.Token, e.Reason)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func evalErr(token, format string, args ...any) *EvaluationError {
	return &EvaluationError{Token: token, Reason: fmt.Sprintf(format, args...)}
}
