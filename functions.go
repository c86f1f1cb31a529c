package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/horgh/irc"
)

// Channel messages starting with ! invoke functions against the backend.
// Each function declares which channel shapes it works in: a schema
// channel (#users), a record channel (#users/42), or both.
type bridgeFunction struct {
	name          string
	schemaChannel bool
	recordChannel bool
	help          string
	fn            func(c *Client, ch *Channel, argv []string)
}

// Populated in init: fnHelp walks the table, so a composite literal
// initializer would be an initialization cycle.
var functionTable map[string]bridgeFunction

func init() {
	functionTable = map[string]bridgeFunction{
		"help": {"help", true, true,
			"!help [name] - list available functions",
			(*Client).fnHelp},
		"find": {"find", true, false,
			"!find --where k=v [and k=v ...] [--limit N] [--fields a,b] - query records",
			(*Client).fnFind},
		"list": {"list", true, false,
			"!list [--limit N] - list records",
			(*Client).fnList},
		"count": {"count", true, false,
			"!count [--where k=v ...] - count records",
			(*Client).fnCount},
		"get": {"get", true, true,
			"!get <id> [--fields a,b] - fetch one record",
			(*Client).fnGet},
		"show": {"show", true, true,
			"!show <id> - fetch one record, one line per field",
			(*Client).fnShow},
		"open": {"open", true, false,
			"!open <id> - open the record's channel",
			(*Client).fnOpen},
		"set": {"set", false, true,
			"!set <field> <value> - reserved",
			(*Client).fnReserved},
		"unset": {"unset", false, true,
			"!unset <field> - reserved",
			(*Client).fnReserved},
		"refresh": {"refresh", false, true,
			"!refresh - reserved",
			(*Client).fnReserved},
	}
}

// dispatchFunction runs a !function from a channel message. The message is
// never broadcast.
func (c *Client) dispatchFunction(ch *Channel, text string) {
	fields := strings.Fields(strings.TrimPrefix(text, "!"))
	if len(fields) == 0 {
		c.functionError(ch, "No function named. Try !help")
		return
	}

	name := strings.ToLower(fields[0])
	argv := fields[1:]

	fn, exists := functionTable[name]
	if !exists {
		c.functionError(ch, fmt.Sprintf("Unknown function: %s (try !help)", name))
		return
	}

	if ch.isRecordChannel() && !fn.recordChannel {
		c.functionError(ch, fmt.Sprintf(
			"!%s is not available in record channels", name))
		return
	}
	if !ch.isRecordChannel() && !fn.schemaChannel {
		c.functionError(ch, fmt.Sprintf(
			"!%s is only available in record channels", name))
		return
	}

	fn.fn(c, ch, argv)
}

// functionNotice sends a channel-wide result line from the server.
func (c *Client) functionNotice(ch *Channel, text string) {
	msg := irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: "NOTICE",
		Params:  []string{ch.Name, text},
	}
	for _, member := range ch.memberList() {
		member.send(msg)
	}
}

// functionError sends the same shape of line, but only the sender sees it.
func (c *Client) functionError(ch *Channel, text string) {
	c.send(irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: "NOTICE",
		Params:  []string{ch.Name, text},
	})
}

func (c *Client) fnHelp(ch *Channel, argv []string) {
	if len(argv) > 0 {
		name := strings.ToLower(argv[0])
		if fn, exists := functionTable[name]; exists {
			c.functionError(ch, fn.help)
			return
		}
		c.functionError(ch, fmt.Sprintf("Unknown function: %s", name))
		return
	}

	var names []string
	for name, fn := range functionTable {
		if ch.isRecordChannel() && !fn.recordChannel {
			continue
		}
		if !ch.isRecordChannel() && !fn.schemaChannel {
			continue
		}
		names = append(names, "!"+name)
	}
	sort.Strings(names)

	c.functionError(ch, "Available functions: "+strings.Join(names, " "))
}

func (c *Client) fnFind(ch *Channel, argv []string) {
	args := parseFunctionArgs(argv)

	limit := args.limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	query := map[string]interface{}{
		"where": args.where,
		"limit": limit,
	}
	if len(args.fields) > 0 {
		query["select"] = args.fields
	}

	records, _, err := c.Server.Backend.Find(c.ctx, c.Token, ch.Schema, query)
	if err != nil {
		c.functionError(ch, "find failed: "+err.Error())
		return
	}

	if len(records) == 0 {
		c.functionNotice(ch, "No records found")
		return
	}

	for _, record := range records {
		c.functionNotice(ch, renderRecordLine(record))
	}
}

func (c *Client) fnList(ch *Channel, argv []string) {
	args := parseFunctionArgs(argv)

	limit := args.limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	records, _, err := c.Server.Backend.ListRecords(c.ctx, c.Token, ch.Schema,
		limit)
	if err != nil {
		c.functionError(ch, "list failed: "+err.Error())
		return
	}

	if len(records) == 0 {
		c.functionNotice(ch, "No records found")
		return
	}

	for _, record := range records {
		c.functionNotice(ch, renderRecordLine(record))
	}
}

func (c *Client) fnCount(ch *Channel, argv []string) {
	args := parseFunctionArgs(argv)

	body := map[string]interface{}{
		"aggregate": map[string]interface{}{
			"total": map[string]interface{}{"$count": "*"},
		},
	}
	if len(args.where) > 0 {
		body["where"] = args.where
	}

	rows, _, err := c.Server.Backend.Aggregate(c.ctx, c.Token, ch.Schema, body)
	if err != nil {
		c.functionError(ch, "count failed: "+err.Error())
		return
	}

	total := int64(0)
	if len(rows) > 0 {
		if n, ok := rows[0]["total"].(float64); ok {
			total = int64(n)
		}
	}

	text := fmt.Sprintf("Total: %d record(s)", total)
	if args.whereDesc != "" {
		text += " (where " + args.whereDesc + ")"
	}
	c.functionNotice(ch, text)
}

func (c *Client) fnGet(ch *Channel, argv []string) {
	args := parseFunctionArgs(argv)

	id := ch.RecordID
	if id == "" {
		if len(args.positional) == 0 {
			c.functionError(ch, "Usage: !get <id> [--fields a,b]")
			return
		}
		id = args.positional[0]
	}

	record, status, err := c.Server.Backend.GetRecord(c.ctx, c.Token,
		ch.Schema, id)
	if err != nil {
		c.functionError(ch, getErrorText(id, status))
		return
	}

	if len(args.fields) == 0 {
		c.functionNotice(ch, renderRecordLine(record))
		return
	}

	for _, field := range args.fields {
		value, exists := record[field]
		if !exists {
			c.functionError(ch, fmt.Sprintf("%s: no such field", field))
			continue
		}

		// Object-valued fields hold file references. Fetch the content
		// through the file API.
		if _, isObject := value.(map[string]interface{}); isObject {
			content, _, err := c.Server.Backend.RetrieveFile(c.ctx, c.Token,
				ch.Schema, id, field)
			if err == nil {
				c.functionNotice(ch, fmt.Sprintf("%s: %s", field,
					firstLine(content)))
				continue
			}
		}

		c.functionNotice(ch, fmt.Sprintf("%s: %s", field, renderValue(value)))
	}
}

func (c *Client) fnShow(ch *Channel, argv []string) {
	id := ch.RecordID
	if id == "" {
		if len(argv) == 0 {
			c.functionError(ch, "Usage: !show <id>")
			return
		}
		id = argv[0]
	}

	record, status, err := c.Server.Backend.GetRecord(c.ctx, c.Token,
		ch.Schema, id)
	if err != nil {
		c.functionError(ch, getErrorText(id, status))
		return
	}

	for _, field := range sortedKeys(record) {
		c.functionNotice(ch, fmt.Sprintf("%s: %s", field,
			renderValue(record[field])))
	}
}

func (c *Client) fnOpen(ch *Channel, argv []string) {
	if len(argv) == 0 {
		c.functionError(ch, "Usage: !open <id>")
		return
	}
	id := argv[0]

	_, status, err := c.Server.Backend.GetRecord(c.ctx, c.Token, ch.Schema, id)
	if err != nil {
		c.functionError(ch, getErrorText(id, status))
		return
	}

	c.join(fmt.Sprintf("#%s/%s", ch.Schema, id), "")
}

func (c *Client) fnReserved(ch *Channel, argv []string) {
	c.functionError(ch, "Not implemented yet")
}

func getErrorText(id string, status int) string {
	switch status {
	case http.StatusNotFound:
		return fmt.Sprintf("Record not found: %s", id)
	case http.StatusForbidden:
		return "Access denied"
	default:
		return fmt.Sprintf("Backend error fetching %s", id)
	}
}

// functionArgs is the parsed form of the function argument micro-language:
// positional args plus --where k=v [and k=v ...], --limit N, and
// --fields a,b,c.
type functionArgs struct {
	positional []string
	where      map[string]interface{}
	whereDesc  string
	limit      int
	fields     []string
}

func parseFunctionArgs(argv []string) functionArgs {
	args := functionArgs{where: map[string]interface{}{}}

	i := 0
	for i < len(argv) {
		switch argv[i] {
		case "--where":
			i++
			var desc []string
			for i < len(argv) && !strings.HasPrefix(argv[i], "--") {
				term := argv[i]
				i++
				if strings.EqualFold(term, "and") {
					continue
				}
				k, v, ok := strings.Cut(term, "=")
				if !ok {
					continue
				}
				args.where[k] = coerceValue(v)
				desc = append(desc, term)
			}
			args.whereDesc = strings.Join(desc, " and ")

		case "--limit":
			i++
			if i < len(argv) {
				if n, err := strconv.Atoi(argv[i]); err == nil {
					args.limit = n
				}
				i++
			}

		case "--fields":
			i++
			if i < len(argv) {
				for _, f := range strings.Split(argv[i], ",") {
					if f = strings.TrimSpace(f); f != "" {
						args.fields = append(args.fields, f)
					}
				}
				i++
			}

		default:
			args.positional = append(args.positional, argv[i])
			i++
		}
	}

	return args
}

// coerceValue turns a textual value into a boolean or number where it
// looks like one, otherwise a string with surrounding quotes stripped.
func coerceValue(v string) interface{} {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}

	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}

	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') ||
			(v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}

	return v
}

// renderRecordLine renders a record as a single "k=v" line, id first.
func renderRecordLine(record map[string]interface{}) string {
	var parts []string

	if id, exists := record["id"]; exists {
		parts = append(parts, "id="+renderValue(id))
	}

	for _, k := range sortedKeys(record) {
		if k == "id" {
			continue
		}
		parts = append(parts, k+"="+renderValue(record[k]))
	}

	return strings.Join(parts, " | ")
}

func renderValue(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return "null"
	case string:
		return value
	case float64:
		// Render integral numbers without the decimal point.
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return strings.TrimRight(s[:idx], "\r")
	}
	return s
}
