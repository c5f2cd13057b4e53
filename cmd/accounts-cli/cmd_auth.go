package main

import "fmt"

// ---- Auth Commands ----

func (c *CLI) registerCommand(args []string) error {
	opts := parseArgs(args)
	if opts["email"] == "" || opts["password"] == "" {
		return fmt.Errorf("usage: accounts-cli register --email=ADDR --password=PASS [--username=NAME]")
	}

	body := map[string]string{
		"email":    opts["email"],
		"password": opts["password"],
	}
	if opts["username"] != "" {
		body["username"] = opts["username"]
	}

	resp, err := c.post("/services/password/register", body)
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

func (c *CLI) loginCommand(args []string) error {
	opts := parseArgs(args)
	if opts["email"] == "" || opts["password"] == "" {
		return fmt.Errorf("usage: accounts-cli login --email=ADDR --password=PASS")
	}

	resp, err := c.post("/login", map[string]any{
		"service": "password",
		"params": map[string]any{
			"user":     map[string]string{"email": opts["email"]},
			"password": opts["password"],
		},
	})
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

func (c *CLI) logoutCommand() error {
	if c.Token == "" {
		return fmt.Errorf("ACCOUNTS_TOKEN is required")
	}
	if _, err := c.post("/logout", nil); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func (c *CLI) whoamiCommand() error {
	if c.Token == "" {
		return fmt.Errorf("ACCOUNTS_TOKEN is required")
	}
	resp, err := c.get("/whoami")
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

func (c *CLI) refreshCommand(args []string) error {
	opts := parseArgs(args)
	if opts["access"] == "" || opts["refresh"] == "" {
		return fmt.Errorf("usage: accounts-cli refresh --access=TOKEN --refresh=TOKEN")
	}

	resp, err := c.post("/refresh", map[string]string{
		"access_token":  opts["access"],
		"refresh_token": opts["refresh"],
	})
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

func (c *CLI) impersonateCommand(args []string) error {
	opts := parseArgs(args)
	if opts["username"] == "" {
		return fmt.Errorf("usage: accounts-cli impersonate --username=NAME")
	}
	if c.Token == "" {
		return fmt.Errorf("ACCOUNTS_TOKEN is required")
	}

	resp, err := c.post("/impersonate", map[string]string{"username": opts["username"]})
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

// ---- Service Commands ----

// serviceCommand calls an arbitrary per-service action, passing every
// --key=value flag through as a parameter.
func (c *CLI) serviceCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: accounts-cli service <name> <action> [--key=value ...]")
	}
	name, action := args[0], args[1]

	params := make(map[string]any)
	for k, v := range parseArgs(args[2:]) {
		params[k] = v
	}

	resp, err := c.post("/services/"+name+"/"+action, params)
	if err != nil {
		return err
	}
	return prettyPrint(resp)
}

func (c *CLI) magiclinkCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: accounts-cli magiclink <request|login>")
	}
	sub := args[0]
	opts := parseArgs(args[1:])

	switch sub {
	case "request":
		if opts["email"] == "" {
			return fmt.Errorf("usage: accounts-cli magiclink request --email=ADDR")
		}
		resp, err := c.post("/services/magiclink/requestMagicLinkEmail", map[string]string{"email": opts["email"]})
		if err != nil {
			return err
		}
		return prettyPrint(resp)
	case "login":
		if opts["token"] == "" {
			return fmt.Errorf("usage: accounts-cli magiclink login --token=TOKEN")
		}
		resp, err := c.post("/login", map[string]any{
			"service": "magiclink",
			"params":  map[string]string{"token": opts["token"]},
		})
		if err != nil {
			return err
		}
		return prettyPrint(resp)
	default:
		return fmt.Errorf("unknown magiclink subcommand: %s", sub)
	}
}
