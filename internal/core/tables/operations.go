package tables

import "github.com/JonMunkholm/sheetsync/internal/core"

// Operational extracts: receiving, loose volumes, returns, direct orders
// and picking terms.

func init() {
	registerEntradaNotas()
	registerAvulso()
	registerDevolucao()
	registerPedidoDireto()
	registerTermo()
}

func registerEntradaNotas() {
	register("db_entrada_notas", true,
		column{"cd", core.TypeInteger},
		column{"transportadora", core.TypeText},
		column{"forn", core.TypeText},
		column{"seq_entrada", core.TypeBigint},
		column{"nf", core.TypeBigint},
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"qtd_cx", core.TypeInteger},
		column{"un_por_cx", core.TypeInteger},
		column{"qtd_total", core.TypeInteger},
		column{"vl_tt", core.TypeNumeric},
	)
}

func registerAvulso() {
	register("db_avulso", true,
		column{"cd", core.TypeInteger},
		column{"id_mov", core.TypeText},
		column{"nr_volume", core.TypeText},
		column{"dt_mov", core.TypeDate},
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"lote", core.TypeText},
		column{"val", core.TypeText},
		column{"qtd_mov", core.TypeInteger},
	)
}

func registerDevolucao() {
	register("db_devolucao", true,
		column{"cd", core.TypeInteger},
		column{"motivo", core.TypeText},
		column{"nfd", core.TypeBigint},
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"tipo", core.TypeText},
		column{"qtd_dev", core.TypeInteger},
		column{"dt_gera", core.TypeDate},
		column{"chave", core.TypeText},
		column{"geracao", core.TypeText},
	)
}

func registerPedidoDireto() {
	register("db_pedido_direto", true,
		column{"cd", core.TypeInteger},
		column{"pedido", core.TypeBigint},
		column{"sq", core.TypeBigint},
		column{"filial", core.TypeBigint},
		column{"dt_pedido", core.TypeDate},
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"qtd_fat", core.TypeInteger},
	)
}

func registerTermo() {
	register("db_termo", true,
		column{"pedido", core.TypeBigint},
		column{"cd", core.TypeInteger},
		column{"filial", core.TypeBigint},
		column{"coddv", core.TypeInteger},
		column{"descricao", core.TypeText},
		column{"caixa", core.TypeText},
		column{"qtd_separada", core.TypeInteger},
		column{"num_rota", core.TypeText},
		column{"id_etiqueta", core.TypeText},
	)
}
