package guest

import "fmt"

// The grammar mirrors a minimal POSIX shell:
//
//	script   := andor (";" andor)*
//	andor    := pipeline (("&&" | "||") pipeline)*
//	pipeline := command ("|" command)*
//	command  := (word | redir)+
//	redir    := (">" | ">>" | "<") word

type script struct {
	lists []andOr
}

type andOr struct {
	pipes []pipeline
	// ops[i] joins pipes[i] and pipes[i+1]; "&&" or "||".
	ops []string
}

type pipeline struct {
	cmds []command
}

type command struct {
	args   []string
	redirs []redir
}

type redir struct {
	op     string // ">", ">>", "<"
	target string
}

func parse(tokens []token) (*script, error) {
	p := &parser{tokens: tokens}
	s := &script{}
	for !p.done() {
		if p.peekOp(";") {
			p.next()
			continue
		}
		list, err := p.parseAndOr()
		if err != nil {
			return nil, err
		}
		s.lists = append(s.lists, list)
	}
	return s, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peekOp(op string) bool {
	return !p.done() && p.tokens[p.pos].kind == tokOp && p.tokens[p.pos].text == op
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) parseAndOr() (andOr, error) {
	var list andOr
	pipe, err := p.parsePipeline()
	if err != nil {
		return list, err
	}
	list.pipes = append(list.pipes, pipe)
	for p.peekOp("&&") || p.peekOp("||") {
		op := p.next().text
		pipe, err := p.parsePipeline()
		if err != nil {
			return list, err
		}
		list.ops = append(list.ops, op)
		list.pipes = append(list.pipes, pipe)
	}
	return list, nil
}

func (p *parser) parsePipeline() (pipeline, error) {
	var pipe pipeline
	cmd, err := p.parseCommand()
	if err != nil {
		return pipe, err
	}
	pipe.cmds = append(pipe.cmds, cmd)
	for p.peekOp("|") {
		p.next()
		cmd, err := p.parseCommand()
		if err != nil {
			return pipe, err
		}
		pipe.cmds = append(pipe.cmds, cmd)
	}
	return pipe, nil
}

func (p *parser) parseCommand() (command, error) {
	var cmd command
	for !p.done() {
		t := p.tokens[p.pos]
		if t.kind == tokOp {
			switch t.text {
			case ">", ">>", "<":
				p.next()
				if p.done() || p.tokens[p.pos].kind != tokWord {
					return cmd, fmt.Errorf("redirection %q needs a target", t.text)
				}
				cmd.redirs = append(cmd.redirs, redir{op: t.text, target: p.next().text})
				continue
			default:
				// ";", "&&", "||", "|" end the command.
				if len(cmd.args) == 0 && len(cmd.redirs) == 0 {
					return cmd, fmt.Errorf("syntax error near %q", t.text)
				}
				return cmd, nil
			}
		}
		cmd.args = append(cmd.args, p.next().text)
	}
	if len(cmd.args) == 0 && len(cmd.redirs) == 0 {
		return cmd, fmt.Errorf("empty command")
	}
	return cmd, nil
}
