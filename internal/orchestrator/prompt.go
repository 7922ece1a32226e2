package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/protocol"
)

// promptSpec carries everything the prompt builder needs for one attempt.
type promptSpec struct {
	UserRequest      string
	CurrentAgent     string
	PeerAgent        string
	Workdir          string
	ResponseMode     string
	Transcript       []TurnRecord
	HistoryCfg       config.History
	ExtraInstruction string
	PromptDir        string
	ReadOnly         bool
}

// outputContract renders the strict JSON hand-off contract for one agent.
func outputContract(currentAgent, peerAgent string) string {
	peerDisplay := agent.Display(peerAgent)
	schemaText := protocol.RenderSchema(protocol.RoleForAgent(currentAgent))
	return "输出必须严格遵循 JSON Schema。\n" +
		"只允许输出一个 JSON 对象；禁止输出 Markdown、代码块、前后解释文本。\n" +
		"`next_question` 必须面向接收方 " + peerDisplay + "，并包含问号。\n" +
		"若证据不足，请在 JSON 中用 status/warnings/errors 明确表达，禁止自然语言补丁。\n" +
		"JSON Schema:\n" + schemaText
}

func readTemplate(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(string(data), "\ufeff")
}

func renderTemplate(template string, context map[string]string) string {
	rendered := template
	for key, value := range context {
		rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", value)
	}
	return rendered
}

func agentTemplateName(agentID string) string {
	switch agentID {
	case agent.Duffy:
		return "duffy_plan.md"
	case agent.Stella:
		return "stella_review.md"
	default:
		return "linabell_delivery.md"
	}
}

// buildTurnPrompt assembles the turn prompt from the template files when
// present, else from the built-in prompt text.
func buildTurnPrompt(spec promptSpec) string {
	profile, _ := agent.Lookup(spec.CurrentAgent)
	currentDisplay := agent.Display(spec.CurrentAgent)
	peerDisplay := agent.Display(spec.PeerAgent)
	historyText := formatHistory(spec.Transcript, spec.HistoryCfg)

	peerQuestionText := ""
	if question := latestPeerQuestion(spec.Transcript); question != "" {
		peerQuestionText = "对方刚才的问题：" + question + "\n\n"
	}
	extraText := ""
	if spec.ExtraInstruction != "" {
		extraText = "\n" + spec.ExtraInstruction + "\n"
	}

	workdirLock := "工作目录一致性约束：所有命令、读写、交付与验收必须在执行目录 " + spec.Workdir +
		" 内闭环完成；禁止在其它目录创建镜像副本或同步副本。"
	mode := strings.ToLower(strings.TrimSpace(spec.ResponseMode))
	var modeInstruction string
	if mode == "execute" {
		modeInstruction = "当前为执行模式：你可以调用工具并在执行目录直接创建/修改文件，" +
			"不要请求授权，不要停留在计划层。" + workdirLock
	} else {
		modeInstruction = "当前为对话模式：只输出 JSON，不调用工具，不执行命令，不读写文件。" + workdirLock
	}

	roleGuard := ""
	switch spec.CurrentAgent {
	case agent.Stella:
		modeInstruction = "当前为动态评审模式：你可以调用只读工具收集证据，" +
			"并允许执行 shell 验证命令（如 python -m pytest、python -m unittest、ls、grep）；" +
			"禁止修改/删除业务文件。" + workdirLock
		roleGuard = "角色硬约束：你是评审官，不是实现者。" +
			"请基于动态核验证据完成评审，verification 至少包含2条证据（command/result 格式，" +
			"建议至少包含1条 shell 验证命令）。"
	case agent.Duffy:
		roleGuard = "角色硬约束：你是产品经理，不是实现者也不是评审者。" +
			"必须输出需求拆解和验收目标，并把任务交接给玲娜贝儿。"
	}

	taskGoal := spec.UserRequest
	if spec.CurrentAgent == agent.Stella && len(spec.Transcript) > 0 {
		taskGoal = "本轮只做中文代码评审。" +
			"请基于最近一条来自玲娜贝儿的交付进行核验，" +
			"按协议给出验收结论、问题清单和回归门禁。"
	} else if spec.CurrentAgent == agent.Duffy {
		taskGoal = "本轮只做产品需求拆解。" +
			"请把用户需求拆解为可执行任务，明确范围边界、优先级和验收目标，" +
			"并交接给玲娜贝儿执行。"
	}

	safetyNote := ""
	if spec.ReadOnly {
		safetyNote = "安全约束：只允许只读操作，禁止写入/删除/修改文件。\n"
	}

	context := map[string]string{
		"task_goal":          taskGoal,
		"user_request":       spec.UserRequest,
		"workdir":            spec.Workdir,
		"mode_instruction":   modeInstruction,
		"history":            historyText,
		"peer_question_text": peerQuestionText,
		"agent_display":      currentDisplay,
		"agent_id":           spec.CurrentAgent,
		"mission":            profile.Mission,
		"role_guard":         roleGuard,
		"safety_note":        safetyNote,
		"output_contract":    outputContract(spec.CurrentAgent, spec.PeerAgent),
		"peer_display":       peerDisplay,
		"extra_instruction":  extraText,
	}

	promptDir := spec.PromptDir
	if promptDir == "" {
		promptDir = "prompts"
	}
	systemTemplate := readTemplate(filepath.Join(promptDir, "system.md"))
	agentTemplate := readTemplate(filepath.Join(promptDir, agentTemplateName(spec.CurrentAgent)))
	var parts []string
	for _, part := range []string{systemTemplate, agentTemplate} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		return renderTemplate(strings.Join(parts, "\n\n"), context)
	}

	return "任务目标：" + taskGoal + "\n" +
		"原始用户需求：" + spec.UserRequest + "\n\n" +
		"执行目录：" + spec.Workdir + "\n" +
		modeInstruction + "\n\n" +
		"当前协作历史：\n" + historyText + "\n\n" +
		peerQuestionText +
		"你是「" + currentDisplay + "」（ID: " + spec.CurrentAgent + "），职责：" + profile.Mission + "\n" +
		"请直接围绕任务作答，禁止解释系统/角色/脚本/运行方式。\n" +
		"禁止输出“无法访问目录”“请授权”“请先提供文件列表”等元请求。\n" +
		"信息不足时先基于当前任务做最小可执行假设并继续推进，" +
		"仅当缺口会直接阻断交付时，才允许在 JSON 的 next_question 提出1个明确问题。\n" +
		"硬性校验规则（违反会被判定失败并要求重写）：\n" +
		"1) 输出必须是可被直接解析的单个 JSON 对象\n" +
		"2) 输出必须满足给定 JSON Schema\n" +
		"3) next_question 必须包含问号\n" +
		"4) 第一字符必须是 {，最后字符必须是 }\n" +
		"5) 禁止输出任何 JSON 之外字符（包括“我将先...”“```json”）\n" +
		roleGuard + "\n" +
		safetyNote +
		"不要问好，不要寒暄，不要自我介绍，不要输出 JSON 之外的任何文本。\n\n" +
		"输出协议：\n" + context["output_contract"] + "\n" +
		"当前轮次接收方：" + peerDisplay + "\n" +
		extraText
}

// repairInstruction builds the retry instruction after a failed validation,
// from the repair_json.md template when present.
func repairInstruction(promptDir string, validationErrors []string, previousOutput string, schema map[string]any) string {
	if promptDir == "" {
		promptDir = "prompts"
	}
	joined := strings.Join(validationErrors, " / ")
	previousHint := ""
	if strings.TrimSpace(previousOutput) != "" {
		previousHint = truncateText(previousOutput, 2000)
	}
	schemaText := indentJSON(schema)

	if template := readTemplate(filepath.Join(promptDir, "repair_json.md")); template != "" {
		repaired := strings.ReplaceAll(template, "{{validation_errors}}", joined)
		repaired = strings.ReplaceAll(repaired, "{{previous_output}}", previousHint)
		repaired = strings.ReplaceAll(repaired, "{{schema}}", schemaText)
		return repaired
	}

	var b strings.Builder
	b.WriteString("你上一条输出没有通过 JSON Schema 校验：")
	b.WriteString(joined)
	b.WriteString("。请在不改变任务目标的前提下输出一个合法 JSON 对象。\n")
	b.WriteString("禁止输出任何 JSON 之外文本；首字符必须是 {，末字符必须是 }。\n")
	if previousHint != "" {
		b.WriteString(previousHint)
		b.WriteString("\n")
	}
	b.WriteString("请严格匹配以下 schema：\n")
	b.WriteString(schemaText)
	return b.String()
}

// dumpPrompt writes the prompt to stdout or a file; returns the file path
// when one was written.
func dumpPrompt(prompt, target, runID string, turn int, agentID string) (string, error) {
	if target == "" {
		return "", nil
	}
	if target == "-" || target == "stdout" {
		fmt.Println("\n[dump] prompt")
		fmt.Println()
		fmt.Println(prompt)
		return "", nil
	}
	name := fmt.Sprintf("prompt_%s_turn%d_%s.txt", runID, turn, agentID)
	filePath := target
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		filePath = filepath.Join(target, name)
	} else if filepath.Ext(target) == "" {
		filePath = filepath.Join(target, name)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filePath, []byte(prompt), 0o644); err != nil {
		return "", err
	}
	return filePath, nil
}
